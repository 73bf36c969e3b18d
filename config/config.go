// Package config loads and validates the hearth configuration document. The
// document is YAML, checked against an embedded CUE schema before decoding.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// LokiConfig enables shipping logs to a Loki endpoint.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url,omitempty"`
	Labels  map[string]string `yaml:"labels,omitempty"`
}

// LoggingConfig controls log level, format and sinks.
type LoggingConfig struct {
	Level  string     `yaml:"level,omitempty"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki,omitempty"`
}

// TelemetryConfig controls the Prometheus metrics endpoint.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// TLSConfig allows TLS connections to the broker.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
}

// MQTTConfig describes the broker connection shared by command publishing
// and state sources.
type MQTTConfig struct {
	Broker         string     `yaml:"broker"`
	ClientID       string     `yaml:"client_id,omitempty"`
	Username       string     `yaml:"username,omitempty"`
	Password       string     `yaml:"password,omitempty"`
	CleanSession   *bool      `yaml:"clean_session,omitempty"`
	AutoReconnect  *bool      `yaml:"auto_reconnect,omitempty"`
	KeepAlive      *Duration  `yaml:"keep_alive,omitempty"`
	ConnectTimeout *Duration  `yaml:"connect_timeout,omitempty"`
	TLS            *TLSConfig `yaml:"tls,omitempty"`
}

// PublishStepConfig sends a payload to a topic. Payload is sent verbatim;
// PayloadTemplate is evaluated against the script's run variables.
type PublishStepConfig struct {
	Topic           string `yaml:"topic"`
	Payload         string `yaml:"payload,omitempty"`
	PayloadTemplate string `yaml:"payload_template,omitempty"`
	QoS             byte   `yaml:"qos,omitempty"`
	Retain          bool   `yaml:"retain,omitempty"`
}

// ScriptStepConfig is one step inside an action script.
type ScriptStepConfig struct {
	Publish *PublishStepConfig `yaml:"publish,omitempty"`
	Delay   *Duration          `yaml:"delay,omitempty"`
	Log     string             `yaml:"log,omitempty"`
}

// VacuumConfig declares one template vacuum.
type VacuumConfig struct {
	FriendlyName         string   `yaml:"friendly_name,omitempty"`
	ValueTemplate        string   `yaml:"value_template,omitempty"`
	BatteryLevelTemplate string   `yaml:"battery_level_template,omitempty"`
	FanSpeedTemplate     string   `yaml:"fan_speed_template,omitempty"`
	AvailabilityTemplate string   `yaml:"availability_template,omitempty"`
	FanSpeeds            []string `yaml:"fan_speeds,omitempty"`

	Start        []ScriptStepConfig `yaml:"start"`
	Pause        []ScriptStepConfig `yaml:"pause,omitempty"`
	Stop         []ScriptStepConfig `yaml:"stop,omitempty"`
	ReturnToBase []ScriptStepConfig `yaml:"return_to_base,omitempty"`
	CleanSpot    []ScriptStepConfig `yaml:"clean_spot,omitempty"`
	Locate       []ScriptStepConfig `yaml:"locate,omitempty"`
	SetFanSpeed  []ScriptStepConfig `yaml:"set_fan_speed,omitempty"`
}

// StateSourceConfig feeds an entity from an MQTT topic. The value template,
// when present, transforms the raw payload (exposed as `payload`).
type StateSourceConfig struct {
	Topic         string `yaml:"topic"`
	EntityID      string `yaml:"entity_id"`
	ValueTemplate string `yaml:"value_template,omitempty"`
	QoS           byte   `yaml:"qos,omitempty"`
}

// TriggerConfig runs a script when an entity enters a state. Type selects a
// media player device trigger instead of a raw target state.
type TriggerConfig struct {
	ID       string             `yaml:"id"`
	EntityID string             `yaml:"entity_id"`
	To       string             `yaml:"to,omitempty"`
	Type     string             `yaml:"type,omitempty"`
	For      *Duration          `yaml:"for,omitempty"`
	Run      []ScriptStepConfig `yaml:"run"`
}

// AwairDeviceConfig declares one Awair unit whose samples arrive on a topic
// as a JSON object of readings.
type AwairDeviceConfig struct {
	UUID  string `yaml:"uuid"`
	Name  string `yaml:"name,omitempty"`
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos,omitempty"`
}

// OverkizConfig subscribes to hub device documents published as a JSON array
// of devices on one topic. Every document is a full snapshot.
type OverkizConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos,omitempty"`
}

// UnifiProtectConfig subscribes to NVR bootstrap documents published as a
// JSON object on one topic.
type UnifiProtectConfig struct {
	Topic       string `yaml:"topic"`
	QoS         byte   `yaml:"qos,omitempty"`
	DisableRTSP bool   `yaml:"disable_rtsp,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	HotReload    bool                    `yaml:"hot_reload,omitempty"`
	Logging      LoggingConfig           `yaml:"logging,omitempty"`
	Telemetry    TelemetryConfig         `yaml:"telemetry,omitempty"`
	MQTT         *MQTTConfig             `yaml:"mqtt,omitempty"`
	Vacuums      map[string]VacuumConfig `yaml:"vacuums,omitempty"`
	Sources      []StateSourceConfig     `yaml:"sources,omitempty"`
	Triggers     []TriggerConfig         `yaml:"triggers,omitempty"`
	Awair        []AwairDeviceConfig     `yaml:"awair,omitempty"`
	Overkiz      *OverkizConfig          `yaml:"overkiz,omitempty"`
	UnifiProtect *UnifiProtectConfig     `yaml:"unifiprotect,omitempty"`
}

// Load reads, schema-checks and decodes a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse schema-checks and decodes raw configuration bytes.
func Parse(filename string, data []byte) (*Config, error) {
	if err := validateSchema(filename, data); err != nil {
		return nil, err
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) check() error {
	for objectID, vacuum := range c.Vacuums {
		if len(vacuum.Start) == 0 {
			return fmt.Errorf("vacuum %s: start script is required", objectID)
		}
	}
	for idx, source := range c.Sources {
		if source.Topic == "" || source.EntityID == "" {
			return fmt.Errorf("source %d: topic and entity_id are required", idx)
		}
	}
	for idx, trig := range c.Triggers {
		if trig.EntityID == "" {
			return fmt.Errorf("trigger %d: entity_id is required", idx)
		}
		if (trig.To == "") == (trig.Type == "") {
			return fmt.Errorf("trigger %s: exactly one of to or type is required", trig.ID)
		}
		if len(trig.Run) == 0 {
			return fmt.Errorf("trigger %s: run steps are required", trig.ID)
		}
	}
	for idx, device := range c.Awair {
		if device.UUID == "" || device.Topic == "" {
			return fmt.Errorf("awair device %d: uuid and topic are required", idx)
		}
	}
	if c.Overkiz != nil && c.Overkiz.Topic == "" {
		return fmt.Errorf("overkiz: topic is required")
	}
	if c.UnifiProtect != nil && c.UnifiProtect.Topic == "" {
		return fmt.Errorf("unifiprotect: topic is required")
	}
	return nil
}
