package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hearth-home/hearth/config"
	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/platforms/awair"
	"github.com/hearth-home/hearth/template"
)

// AttachSources subscribes the configured state sources. Every message is
// lowered onto the event loop, where the optional value template transforms
// the raw payload before the registry update.
func AttachSources(conn *Connection, registry *entity.Registry, lp *loop.Loop, sources []config.StateSourceConfig, logger zerolog.Logger) error {
	log := logger.With().Str("component", "source").Logger()
	for _, source := range sources {
		if err := entity.ValidateID(source.EntityID); err != nil {
			return fmt.Errorf("source %s: %w", source.Topic, err)
		}
		var tmpl *template.Template
		if source.ValueTemplate != "" {
			compiled, err := template.Compile(source.ValueTemplate)
			if err != nil {
				return fmt.Errorf("source %s: %w", source.Topic, err)
			}
			tmpl = compiled
		}

		entityID := source.EntityID
		handler := func(topic string, payload []byte) {
			raw := string(payload)
			submitErr := lp.Submit(func() {
				value := raw
				if tmpl != nil {
					evaluated, err := tmpl.Run(map[string]interface{}{"payload": raw})
					if err != nil {
						log.Warn().Err(err).Str("topic", topic).Str("entity", entityID).Msg("value template failed, update dropped")
						return
					}
					value = template.Result{Value: evaluated}.String()
				}
				registry.SetState(entityID, value, nil, true)
			})
			if submitErr != nil {
				log.Debug().Err(submitErr).Str("topic", topic).Msg("loop stopped, message dropped")
			}
		}
		if err := conn.Subscribe(source.Topic, source.QoS, handler); err != nil {
			return err
		}
		log.Info().Str("topic", source.Topic).Str("entity", entityID).Msg("state source attached")
	}
	return nil
}

// awairSample is the wire form of one air data message.
type awairSample struct {
	Timestamp time.Time                  `json:"timestamp"`
	Readings  map[string]decimal.Decimal `json:"readings"`
}

// AwairFeed turns air data messages into sensor entities. Sensors are built
// from the first sample of each device, so a unit that never reports dust
// never grows dust entities.
type AwairFeed struct {
	registry  *entity.Registry
	collector *awair.MetricsCollector
	logger    zerolog.Logger

	// loop-owned, no lock
	sensors map[string][]*awair.Sensor
}

// NewAwairFeed builds the feed. The collector may be nil when telemetry is
// disabled.
func NewAwairFeed(registry *entity.Registry, collector *awair.MetricsCollector, logger zerolog.Logger) *AwairFeed {
	return &AwairFeed{
		registry:  registry,
		collector: collector,
		logger:    logger.With().Str("component", "awair").Logger(),
		sensors:   make(map[string][]*awair.Sensor),
	}
}

// Attach subscribes the configured devices.
func (f *AwairFeed) Attach(conn *Connection, lp *loop.Loop, devices []config.AwairDeviceConfig) error {
	for _, cfg := range devices {
		device := awair.Device{UUID: cfg.UUID, Name: cfg.Name}
		if device.Name == "" {
			device.Name = cfg.UUID
		}
		handler := func(topic string, payload []byte) {
			body := append([]byte(nil), payload...)
			submitErr := lp.Submit(func() {
				f.ingest(device, topic, body)
			})
			if submitErr != nil {
				f.logger.Debug().Err(submitErr).Str("topic", topic).Msg("loop stopped, sample dropped")
			}
		}
		if err := conn.Subscribe(cfg.Topic, cfg.QoS, handler); err != nil {
			return err
		}
		f.logger.Info().Str("uuid", device.UUID).Str("topic", cfg.Topic).Msg("awair device attached")
	}
	return nil
}

func (f *AwairFeed) ingest(device awair.Device, topic string, payload []byte) {
	var raw awairSample
	if err := json.Unmarshal(payload, &raw); err != nil {
		f.logger.Warn().Err(err).Str("topic", topic).Msg("malformed air data sample")
		return
	}
	sample := &awair.AirData{
		Timestamp: raw.Timestamp,
		Readings:  make(map[awair.ReadingKey]decimal.Decimal, len(raw.Readings)),
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	for key, value := range raw.Readings {
		sample.Readings[awair.ReadingKey(key)] = value
	}

	sensors, ok := f.sensors[device.UUID]
	if !ok {
		sensors = awair.NewSensors(device, sample)
		f.sensors[device.UUID] = sensors
		f.logger.Info().Str("uuid", device.UUID).Int("sensors", len(sensors)).Msg("sensors created")
	}
	for _, sensor := range sensors {
		sensor.Update(sample)
		sensor.Publish(f.registry)
	}
	if f.collector != nil {
		f.collector.Record(device, sample)
	}
}
