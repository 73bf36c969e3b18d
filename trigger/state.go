// Package trigger implements the generic state trigger: fire an action when
// an entity transitions into a target state, optionally only after the state
// was held for a duration.
package trigger

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/telemetry"
)

// StateConfig describes one state trigger.
type StateConfig struct {
	ID       string
	EntityID string
	To       string
	// For delays the action until the entity stayed in the target state for
	// the given duration. Zero fires immediately on the transition.
	For time.Duration
}

// Action is invoked on the event loop when the trigger fires.
type Action func(entity.Change)

// AttachState subscribes the trigger to registry transitions and returns a
// detach function. The action always runs on the loop.
func AttachState(
	registry *entity.Registry,
	lp *loop.Loop,
	cfg StateConfig,
	action Action,
	logger zerolog.Logger,
	collector telemetry.Collector,
) (func(), error) {
	if registry == nil || lp == nil {
		return nil, errors.New("state trigger requires registry and loop")
	}
	if cfg.EntityID == "" {
		return nil, errors.New("state trigger entity id must not be empty")
	}
	if cfg.To == "" {
		return nil, errors.New("state trigger target state must not be empty")
	}
	if action == nil {
		return nil, errors.New("state trigger action must not be nil")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	t := &stateTrigger{
		cfg:       cfg,
		loop:      lp,
		action:    action,
		logger:    logger.With().Str("component", "trigger").Str("trigger", cfg.ID).Logger(),
		collector: collector,
	}
	detach := registry.Subscribe(t.onChange)
	return func() {
		detach()
		t.cancelHold()
	}, nil
}

type stateTrigger struct {
	cfg       StateConfig
	loop      *loop.Loop
	action    Action
	logger    zerolog.Logger
	collector telemetry.Collector

	mu   sync.Mutex
	hold *time.Timer
}

func (t *stateTrigger) onChange(change entity.Change) {
	if change.EntityID != t.cfg.EntityID || change.New == nil {
		return
	}
	entered := change.New.Value == t.cfg.To && (change.Old == nil || change.Old.Value != t.cfg.To)
	left := change.New.Value != t.cfg.To
	switch {
	case entered && t.cfg.For <= 0:
		t.fire(change)
	case entered:
		t.armHold(change)
	case left:
		t.cancelHold()
	}
}

func (t *stateTrigger) armHold(change entity.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		t.hold.Stop()
	}
	t.hold = time.AfterFunc(t.cfg.For, func() {
		if err := t.loop.Submit(func() { t.fire(change) }); err != nil {
			t.logger.Error().Err(err).Msg("held trigger not scheduled")
		}
	})
}

func (t *stateTrigger) cancelHold() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		t.hold.Stop()
		t.hold = nil
	}
}

func (t *stateTrigger) fire(change entity.Change) {
	t.logger.Debug().
		Str("entity", t.cfg.EntityID).
		Str("to", t.cfg.To).
		Msg("trigger fired")
	t.collector.IncTriggerFire(t.cfg.ID)
	t.action(change)
}
