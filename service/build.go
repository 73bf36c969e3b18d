package service

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/config"
	"github.com/hearth-home/hearth/platforms/mediaplayer"
	"github.com/hearth-home/hearth/platforms/vacuum"
	"github.com/hearth-home/hearth/script"
	"github.com/hearth-home/hearth/telemetry"
	"github.com/hearth-home/hearth/template"
)

// buildScript lowers configured steps onto a runnable script. Payload
// templates are compiled here so configuration errors surface at startup.
func buildScript(name string, steps []config.ScriptStepConfig, publisher script.Publisher, logger zerolog.Logger) (*script.Script, error) {
	lowered := make([]script.Step, 0, len(steps))
	for idx, step := range steps {
		switch {
		case step.Publish != nil:
			pub := &script.PublishStep{
				Topic:  step.Publish.Topic,
				Raw:    step.Publish.Payload,
				QoS:    step.Publish.QoS,
				Retain: step.Publish.Retain,
			}
			if step.Publish.PayloadTemplate != "" {
				compiled, err := template.Compile(step.Publish.PayloadTemplate)
				if err != nil {
					return nil, fmt.Errorf("script %s step %d: %w", name, idx, err)
				}
				pub.Payload = compiled
			}
			lowered = append(lowered, script.Step{Publish: pub})
		case step.Delay != nil:
			lowered = append(lowered, script.Step{Delay: step.Delay.Duration})
		case step.Log != "":
			lowered = append(lowered, script.Step{Log: step.Log})
		default:
			return nil, fmt.Errorf("script %s step %d: empty step", name, idx)
		}
	}
	return script.New(name, lowered, publisher, logger)
}

// buildVacuum compiles templates and scripts for one configured vacuum.
func buildVacuum(objectID string, cfg config.VacuumConfig, publisher script.Publisher, logger zerolog.Logger, collector telemetry.Collector) (*vacuum.Vacuum, error) {
	vcfg := vacuum.Config{
		ObjectID:     objectID,
		FriendlyName: cfg.FriendlyName,
		FanSpeeds:    cfg.FanSpeeds,
		Scripts:      make(map[vacuum.ActionKind]*script.Script),
	}

	compile := func(field, source string) (*template.Template, error) {
		if source == "" {
			return nil, nil
		}
		compiled, err := template.Compile(source)
		if err != nil {
			return nil, fmt.Errorf("vacuum %s: %s: %w", objectID, field, err)
		}
		return compiled, nil
	}

	var err error
	if vcfg.StateTemplate, err = compile("value_template", cfg.ValueTemplate); err != nil {
		return nil, err
	}
	if vcfg.BatteryTemplate, err = compile("battery_level_template", cfg.BatteryLevelTemplate); err != nil {
		return nil, err
	}
	if vcfg.FanSpeedTemplate, err = compile("fan_speed_template", cfg.FanSpeedTemplate); err != nil {
		return nil, err
	}
	if vcfg.AvailabilityTemplate, err = compile("availability_template", cfg.AvailabilityTemplate); err != nil {
		return nil, err
	}

	actions := map[vacuum.ActionKind][]config.ScriptStepConfig{
		vacuum.ActionStart:        cfg.Start,
		vacuum.ActionPause:        cfg.Pause,
		vacuum.ActionStop:         cfg.Stop,
		vacuum.ActionReturnToBase: cfg.ReturnToBase,
		vacuum.ActionCleanSpot:    cfg.CleanSpot,
		vacuum.ActionLocate:       cfg.Locate,
		vacuum.ActionSetFanSpeed:  cfg.SetFanSpeed,
	}
	for kind, steps := range actions {
		if len(steps) == 0 {
			continue
		}
		name := fmt.Sprintf("vacuum/%s/%s", objectID, kind)
		runner, err := buildScript(name, steps, publisher, logger)
		if err != nil {
			return nil, err
		}
		vcfg.Scripts[kind] = runner
	}

	return vacuum.New(vcfg, logger, collector)
}

// discardPublisher satisfies the publisher requirement during validation
// without touching a broker.
type discardPublisher struct{}

func (discardPublisher) Publish(string, []byte, byte, bool) error { return nil }

// Validate builds every configured component against a discard publisher.
// It catches template compile errors, bad script steps and invalid trigger
// wiring without connecting anywhere.
func Validate(cfg *config.Config, logger zerolog.Logger) error {
	if cfg == nil {
		return fmt.Errorf("configuration must not be nil")
	}
	publisher := discardPublisher{}
	for objectID, vcfg := range cfg.Vacuums {
		if _, err := buildVacuum(objectID, vcfg, publisher, logger, telemetry.Noop()); err != nil {
			return err
		}
	}
	for _, tcfg := range cfg.Triggers {
		if _, err := buildScript("trigger/"+tcfg.ID, tcfg.Run, publisher, logger); err != nil {
			return err
		}
		if tcfg.Type != "" && !mediaplayer.Supported(mediaplayer.TriggerType(tcfg.Type)) {
			return fmt.Errorf("trigger %s: unsupported type %q", tcfg.ID, tcfg.Type)
		}
	}
	for idx, source := range cfg.Sources {
		if source.ValueTemplate == "" {
			continue
		}
		if _, err := template.Compile(source.ValueTemplate); err != nil {
			return fmt.Errorf("source %d: %w", idx, err)
		}
	}
	return nil
}
