package config

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func yamlScalar(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

const sampleConfig = `
logging:
  level: debug
  format: text
telemetry:
  enabled: true
  listen: ":9102"
mqtt:
  broker: tcp://broker:1883
  client_id: hearth
  keep_alive: 30s
vacuums:
  garden:
    friendly_name: Garden vacuum
    value_template: states("sensor.garden_vacuum")
    battery_level_template: int(states("sensor.garden_vacuum_battery"))
    fan_speed_template: states("sensor.garden_vacuum_fan")
    fan_speeds: [low, medium, high]
    start:
      - publish:
          topic: garden/vacuum/cmd
          payload: start
    set_fan_speed:
      - publish:
          topic: garden/vacuum/fan
          payload_template: fan_speed
sources:
  - topic: garden/vacuum/state
    entity_id: sensor.garden_vacuum
triggers:
  - id: done
    entity_id: vacuum.garden
    to: docked
    for: 5s
    run:
      - log: vacuum docked
awair:
  - uuid: awair_12345
    name: Bedroom
    topic: awair/bedroom
overkiz:
  topic: overkiz/devices
unifiprotect:
  topic: protect/bootstrap
  disable_rtsp: true
`

func TestParseSampleConfig(t *testing.T) {
	cfg, err := Parse("config.yaml", []byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level = %q", cfg.Logging.Level)
	}
	if cfg.MQTT == nil || cfg.MQTT.Broker != "tcp://broker:1883" {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.MQTT.KeepAlive == nil || cfg.MQTT.KeepAlive.Duration != 30*time.Second {
		t.Fatalf("keep_alive = %+v", cfg.MQTT.KeepAlive)
	}

	vacuum, ok := cfg.Vacuums["garden"]
	if !ok {
		t.Fatal("vacuum garden missing")
	}
	if vacuum.FriendlyName != "Garden vacuum" {
		t.Fatalf("friendly_name = %q", vacuum.FriendlyName)
	}
	if len(vacuum.FanSpeeds) != 3 || vacuum.FanSpeeds[2] != "high" {
		t.Fatalf("fan_speeds = %v", vacuum.FanSpeeds)
	}
	if len(vacuum.Start) != 1 || vacuum.Start[0].Publish == nil || vacuum.Start[0].Publish.Payload != "start" {
		t.Fatalf("start = %+v", vacuum.Start)
	}
	if vacuum.SetFanSpeed[0].Publish.PayloadTemplate != "fan_speed" {
		t.Fatalf("set_fan_speed = %+v", vacuum.SetFanSpeed)
	}

	if len(cfg.Triggers) != 1 || cfg.Triggers[0].For == nil || cfg.Triggers[0].For.Duration != 5*time.Second {
		t.Fatalf("triggers = %+v", cfg.Triggers)
	}
	if len(cfg.Awair) != 1 || cfg.Awair[0].UUID != "awair_12345" {
		t.Fatalf("awair = %+v", cfg.Awair)
	}
	if cfg.Overkiz == nil || cfg.Overkiz.Topic != "overkiz/devices" {
		t.Fatalf("overkiz = %+v", cfg.Overkiz)
	}
	if cfg.UnifiProtect == nil || cfg.UnifiProtect.Topic != "protect/bootstrap" || !cfg.UnifiProtect.DisableRTSP {
		t.Fatalf("unifiprotect = %+v", cfg.UnifiProtect)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	doc := `
mqtt:
  broker: tcp://broker:1883
  brokr_typo: oops
`
	if _, err := Parse("config.yaml", []byte(doc)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsBadQoS(t *testing.T) {
	doc := `
sources:
  - topic: a/b
    entity_id: sensor.a
    qos: 7
`
	if _, err := Parse("config.yaml", []byte(doc)); err == nil {
		t.Fatal("expected schema error for qos out of range")
	}
}

func TestParseRejectsVacuumWithoutStart(t *testing.T) {
	doc := `
vacuums:
  broken:
    value_template: states("sensor.x")
`
	_, err := Parse("config.yaml", []byte(doc))
	if err == nil || !strings.Contains(err.Error(), "start") {
		t.Fatalf("expected missing start error, got %v", err)
	}
}

func TestParseRejectsTriggerWithToAndType(t *testing.T) {
	doc := `
triggers:
  - id: both
    entity_id: media_player.tv
    to: playing
    type: playing
    run:
      - log: fired
`
	if _, err := Parse("config.yaml", []byte(doc)); err == nil {
		t.Fatal("expected error for trigger with both to and type")
	}
}

func TestParseRejectsInvalidTriggerType(t *testing.T) {
	doc := `
triggers:
  - id: bad
    entity_id: media_player.tv
    type: exploded
    run:
      - log: fired
`
	if _, err := Parse("config.yaml", []byte(doc)); err == nil {
		t.Fatal("expected schema error for invalid trigger type")
	}
}

func TestParseRejectsOverkizWithoutTopic(t *testing.T) {
	doc := `
overkiz: {}
`
	_, err := Parse("config.yaml", []byte(doc))
	if err == nil || !strings.Contains(err.Error(), "topic") {
		t.Fatalf("expected missing topic error, got %v", err)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"5s", 5 * time.Second, true},
		{"1m30s", 90 * time.Second, true},
		{"", 0, true},
		{"fast", 0, false},
	}
	for _, tc := range cases {
		var d Duration
		err := d.UnmarshalYAML(yamlScalar(tc.raw))
		if tc.ok && (err != nil || d.Duration != tc.want) {
			t.Fatalf("UnmarshalYAML(%q) = (%v, %v), want %v", tc.raw, d.Duration, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Fatalf("UnmarshalYAML(%q) succeeded, want error", tc.raw)
		}
	}
}
