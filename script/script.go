package script

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/template"
)

// Publisher sends rendered command payloads to the device transport. The MQTT
// driver provides the production implementation.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Step is one action inside a script. Exactly one field is set.
type Step struct {
	Publish *PublishStep
	Delay   time.Duration
	Log     string
}

// PublishStep sends a payload to a topic. Payload is rendered from the run
// variables when a template is configured, otherwise Raw is sent verbatim.
type PublishStep struct {
	Topic   string
	Payload *template.Template
	Raw     string
	QoS     byte
	Retain  bool
}

// Script is a named, ordered sequence of side-effecting steps. Steps run
// sequentially on the caller's goroutine; no timeout or retry is imposed
// here, a hung transport hangs the run.
type Script struct {
	name      string
	steps     []Step
	publisher Publisher
	logger    zerolog.Logger
}

// New builds a script. A nil publisher is only valid when no step publishes.
func New(name string, steps []Step, publisher Publisher, logger zerolog.Logger) (*Script, error) {
	if name == "" {
		return nil, errors.New("script name must not be empty")
	}
	for idx, step := range steps {
		set := 0
		if step.Publish != nil {
			set++
			if step.Publish.Topic == "" {
				return nil, fmt.Errorf("script %s step %d: publish topic must not be empty", name, idx)
			}
			if publisher == nil {
				return nil, fmt.Errorf("script %s step %d: publish step requires a publisher", name, idx)
			}
		}
		if step.Delay > 0 {
			set++
		}
		if step.Log != "" {
			set++
		}
		if set != 1 {
			return nil, fmt.Errorf("script %s step %d: exactly one action per step", name, idx)
		}
	}
	return &Script{
		name:      name,
		steps:     steps,
		publisher: publisher,
		logger:    logger.With().Str("component", "script").Str("script", name).Logger(),
	}, nil
}

// Name returns the script identifier.
func (s *Script) Name() string {
	return s.name
}

// Run executes all steps in order. Variables are visible to payload
// templates. The first failing step aborts the run and its error is returned
// to the caller's error path.
func (s *Script) Run(ctx context.Context, vars map[string]interface{}) error {
	for idx, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case step.Publish != nil:
			if err := s.runPublish(step.Publish, vars); err != nil {
				return fmt.Errorf("script %s step %d: %w", s.name, idx, err)
			}
		case step.Delay > 0:
			timer := time.NewTimer(step.Delay)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return ctx.Err()
			case <-timer.C:
			}
		case step.Log != "":
			s.logger.Info().Interface("variables", vars).Msg(step.Log)
		}
	}
	return nil
}

func (s *Script) runPublish(step *PublishStep, vars map[string]interface{}) error {
	payload := step.Raw
	if step.Payload != nil {
		value, err := step.Payload.Run(vars)
		if err != nil {
			return fmt.Errorf("render payload: %w", err)
		}
		payload = template.Result{Value: value}.String()
	}
	s.logger.Debug().Str("topic", step.Topic).Str("payload", payload).Msg("publishing command")
	return s.publisher.Publish(step.Topic, []byte(payload), step.QoS, step.Retain)
}
