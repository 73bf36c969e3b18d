// Package vacuum implements the template-driven virtual vacuum entity. State,
// battery level and fan speed are derived from user expressions; actions
// forward to configured scripts.
package vacuum

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/script"
	"github.com/hearth-home/hearth/telemetry"
	"github.com/hearth-home/hearth/template"
)

// ActionKind identifies one of the optional vacuum actions.
type ActionKind string

const (
	ActionStart        ActionKind = "start"
	ActionPause        ActionKind = "pause"
	ActionStop         ActionKind = "stop"
	ActionReturnToBase ActionKind = "return_to_base"
	ActionCleanSpot    ActionKind = "clean_spot"
	ActionLocate       ActionKind = "locate"
	ActionSetFanSpeed  ActionKind = "set_fan_speed"
)

// ActionKinds lists every action in dispatch order.
var ActionKinds = []ActionKind{
	ActionStart,
	ActionPause,
	ActionStop,
	ActionReturnToBase,
	ActionCleanSpot,
	ActionLocate,
	ActionSetFanSpeed,
}

// State is the operational state of the vacuum cleaner.
type State string

const (
	StateCleaning  State = "cleaning"
	StateDocked    State = "docked"
	StatePaused    State = "paused"
	StateIdle      State = "idle"
	StateReturning State = "returning"
	StateError     State = "error"
	// StateUnknown is the token templates report when the underlying device
	// state cannot be determined. It is a legitimate stored state after an
	// evaluation failure but never a valid template result to adopt.
	StateUnknown State = "unknown"
)

var validStates = []State{
	StateCleaning,
	StateDocked,
	StatePaused,
	StateIdle,
	StateReturning,
	StateError,
}

// Capability marks an optional feature enabled by configuration.
type Capability string

const (
	CapabilityStart      Capability = "start"
	CapabilityPause      Capability = "pause"
	CapabilityStop       Capability = "stop"
	CapabilityReturnHome Capability = "return_home"
	CapabilityCleanSpot  Capability = "clean_spot"
	CapabilityLocate     Capability = "locate"
	CapabilityFanSpeed   Capability = "fan_speed"
	CapabilityState      Capability = "state"
	CapabilityBattery    Capability = "battery"
)

var actionCapabilities = map[ActionKind]Capability{
	ActionStart:        CapabilityStart,
	ActionPause:        CapabilityPause,
	ActionStop:         CapabilityStop,
	ActionReturnToBase: CapabilityReturnHome,
	ActionCleanSpot:    CapabilityCleanSpot,
	ActionLocate:       CapabilityLocate,
	ActionSetFanSpeed:  CapabilityFanSpeed,
}

// Config is the immutable configuration of one template vacuum. It is built
// once at setup from the validated configuration document.
type Config struct {
	ObjectID     string
	FriendlyName string

	StateTemplate        *template.Template
	BatteryTemplate      *template.Template
	FanSpeedTemplate     *template.Template
	AvailabilityTemplate *template.Template

	// FanSpeeds is the catalog of values the fan_speed field may hold.
	FanSpeeds []string

	// Scripts binds actions to their runners. Start is required; any other
	// absent entry means the capability is unsupported.
	Scripts map[ActionKind]*script.Script
}

// Vacuum is a virtual vacuum entity. All state mutation happens on the event
// loop: reconciliation callbacks already run there, and dispatch-path writes
// go through store, so no field locking is needed. The action methods
// themselves run scripts on the caller's goroutine and must be kept off the
// loop once attached.
type Vacuum struct {
	cfg          Config
	logger       zerolog.Logger
	collector    telemetry.Collector
	capabilities map[Capability]struct{}
	loop         *loop.Loop

	state     *State
	battery   *int
	fanSpeed  *string
	available bool
}

// New validates the configuration and derives the capability set. The set is
// computed once from which scripts and templates are bound and never
// recomputed afterwards.
func New(cfg Config, logger zerolog.Logger, collector telemetry.Collector) (*Vacuum, error) {
	if cfg.ObjectID == "" {
		return nil, errors.New("vacuum object id must not be empty")
	}
	if cfg.Scripts[ActionStart] == nil {
		return nil, fmt.Errorf("vacuum %s: start script is required", cfg.ObjectID)
	}
	if collector == nil {
		collector = telemetry.Noop()
	}
	caps := make(map[Capability]struct{}, len(ActionKinds)+2)
	for kind, capability := range actionCapabilities {
		if cfg.Scripts[kind] != nil {
			caps[capability] = struct{}{}
		}
	}
	if cfg.StateTemplate != nil {
		caps[CapabilityState] = struct{}{}
	}
	if cfg.BatteryTemplate != nil {
		caps[CapabilityBattery] = struct{}{}
	}
	return &Vacuum{
		cfg:          cfg,
		logger:       logger.With().Str("component", "vacuum").Str("entity", cfg.ObjectID).Logger(),
		collector:    collector,
		capabilities: caps,
	}, nil
}

// EntityID returns the registry id of this vacuum.
func (v *Vacuum) EntityID() string {
	return "vacuum." + v.cfg.ObjectID
}

// Name returns the display name.
func (v *Vacuum) Name() string {
	if v.cfg.FriendlyName != "" {
		return v.cfg.FriendlyName
	}
	return v.cfg.ObjectID
}

// Supports reports whether the capability was enabled at construction.
func (v *Vacuum) Supports(c Capability) bool {
	_, ok := v.capabilities[c]
	return ok
}

// State returns the current operational state, or ok=false when unset.
func (v *Vacuum) State() (State, bool) {
	if v.state == nil {
		return "", false
	}
	return *v.state, true
}

// BatteryLevel returns the current battery level, or ok=false when unset.
func (v *Vacuum) BatteryLevel() (int, bool) {
	if v.battery == nil {
		return 0, false
	}
	return *v.battery, true
}

// FanSpeed returns the current fan speed, or ok=false when unset.
func (v *Vacuum) FanSpeed() (string, bool) {
	if v.fanSpeed == nil {
		return "", false
	}
	return *v.fanSpeed, true
}

// FanSpeeds returns the configured fan speed catalog.
func (v *Vacuum) FanSpeeds() []string {
	return append([]string(nil), v.cfg.FanSpeeds...)
}

// Available reports entity availability. Without an availability template the
// entity starts available and the state reconciler keeps it that way.
func (v *Vacuum) Available() bool {
	if v.cfg.AvailabilityTemplate == nil {
		return true
	}
	return v.available
}

// Attach registers the reconciliation callbacks with the template engine.
// When a registry is given the composite entity state is published after
// every reconciliation so state triggers can observe the vacuum. The loop
// keeps dispatch-path writes ordered with reconciliation.
func (v *Vacuum) Attach(engine *template.Engine, registry *entity.Registry, lp *loop.Loop) {
	v.loop = lp
	bind := func(t *template.Template, reconcile func(template.Result)) {
		engine.Bind(t, func(result template.Result) {
			reconcile(result)
			if registry != nil {
				v.publish(registry)
			}
		})
	}
	if v.cfg.StateTemplate != nil {
		bind(v.cfg.StateTemplate, v.ReconcileState)
	}
	if v.cfg.FanSpeedTemplate != nil {
		bind(v.cfg.FanSpeedTemplate, v.ReconcileFanSpeed)
	}
	if v.cfg.BatteryTemplate != nil {
		bind(v.cfg.BatteryTemplate, v.ReconcileBattery)
	}
	if v.cfg.AvailabilityTemplate != nil {
		bind(v.cfg.AvailabilityTemplate, v.reconcileAvailability)
	}
}

func (v *Vacuum) publish(registry *entity.Registry) {
	value := string(StateUnknown)
	if v.state != nil {
		value = string(*v.state)
	}
	attrs := map[string]interface{}{
		"friendly_name":  v.Name(),
		"fan_speed_list": v.FanSpeeds(),
	}
	if v.battery != nil {
		attrs["battery_level"] = *v.battery
	}
	if v.fanSpeed != nil {
		attrs["fan_speed"] = *v.fanSpeed
	}
	registry.SetState(v.EntityID(), value, attrs, v.Available())
}

// ReconcileState validates a state template result and stores it. Rejected
// values clear the field; nothing is ever raised to the evaluator.
func (v *Vacuum) ReconcileState(result template.Result) {
	if result.Failed() {
		// Legacy compatibility rule: an evaluation failure reports "unknown"
		// and, without an availability template, forces the entity available.
		unknown := StateUnknown
		v.state = &unknown
		if v.cfg.AvailabilityTemplate == nil {
			v.available = true
		}
		return
	}
	raw := result.String()
	if raw == string(StateUnknown) {
		v.state = nil
		return
	}
	for _, valid := range validStates {
		if raw == string(valid) {
			state := valid
			v.state = &state
			return
		}
	}
	v.logger.Error().
		Str("state", raw).
		Str("expected", joinStates(validStates)).
		Msg("received invalid vacuum state")
	v.collector.IncReconcileDiagnostic(v.EntityID(), "state")
	v.state = nil
}

// ReconcileBattery validates a battery template result and stores it.
func (v *Vacuum) ReconcileBattery(result template.Result) {
	level, err := coerceBatteryLevel(result)
	if err != nil {
		v.logger.Error().
			Interface("battery_level", result.Value).
			Msg("received invalid battery level, expected 0-100")
		v.collector.IncReconcileDiagnostic(v.EntityID(), "battery_level")
		v.battery = nil
		return
	}
	v.battery = &level
}

// ReconcileFanSpeed validates a fan speed template result and stores it.
//
// An evaluation failure clears the operational state as well. This coupling
// is deliberate legacy behaviour and must be preserved exactly.
func (v *Vacuum) ReconcileFanSpeed(result template.Result) {
	if result.Failed() {
		v.fanSpeed = nil
		v.state = nil
		return
	}
	raw := result.String()
	if raw == string(StateUnknown) {
		v.fanSpeed = nil
		return
	}
	for _, speed := range v.cfg.FanSpeeds {
		if raw == speed {
			v.fanSpeed = &speed
			return
		}
	}
	v.logger.Error().
		Str("fan_speed", raw).
		Strs("expected", v.cfg.FanSpeeds).
		Msg("received invalid fan speed")
	v.collector.IncReconcileDiagnostic(v.EntityID(), "fan_speed")
	v.fanSpeed = nil
}

func (v *Vacuum) reconcileAvailability(result template.Result) {
	if result.Failed() {
		v.available = false
		return
	}
	raw := strings.ToLower(result.String())
	v.available = raw == "true" || raw == "on" || raw == "yes" || raw == "1"
}

// Start starts or resumes the cleaning task.
func (v *Vacuum) Start(ctx context.Context) error {
	return v.dispatch(ctx, ActionStart, nil)
}

// Pause pauses the cleaning task.
func (v *Vacuum) Pause(ctx context.Context) error {
	return v.dispatch(ctx, ActionPause, nil)
}

// Stop stops the cleaning task.
func (v *Vacuum) Stop(ctx context.Context) error {
	return v.dispatch(ctx, ActionStop, nil)
}

// ReturnToBase sends the vacuum cleaner back to the dock.
func (v *Vacuum) ReturnToBase(ctx context.Context) error {
	return v.dispatch(ctx, ActionReturnToBase, nil)
}

// CleanSpot performs a spot clean-up.
func (v *Vacuum) CleanSpot(ctx context.Context) error {
	return v.dispatch(ctx, ActionCleanSpot, nil)
}

// Locate locates the vacuum cleaner.
func (v *Vacuum) Locate(ctx context.Context) error {
	return v.dispatch(ctx, ActionLocate, nil)
}

// SetFanSpeed validates the requested speed against the catalog and forwards
// it to the bound script. An invalid speed performs no dispatch and leaves
// the local field untouched.
func (v *Vacuum) SetFanSpeed(ctx context.Context, fanSpeed string) error {
	if v.cfg.Scripts[ActionSetFanSpeed] == nil {
		return nil
	}
	if !v.validFanSpeed(fanSpeed) {
		v.logger.Error().
			Str("fan_speed", fanSpeed).
			Strs("expected", v.cfg.FanSpeeds).
			Msg("received invalid fan speed")
		v.collector.IncReconcileDiagnostic(v.EntityID(), "fan_speed")
		return nil
	}
	// Optimistic write on the dispatch path. Reconciliation from the fan
	// speed template is an independent write path into the same field.
	v.store(func() { v.fanSpeed = &fanSpeed })
	return v.dispatch(ctx, ActionSetFanSpeed, map[string]interface{}{"fan_speed": fanSpeed})
}

// store applies a state write on the event loop. Before Attach there is no
// loop and the write is applied inline.
func (v *Vacuum) store(write func()) {
	if v.loop == nil {
		write()
		return
	}
	if err := v.loop.Submit(write); err != nil {
		v.logger.Error().Err(err).Msg("state write not scheduled")
	}
}

func (v *Vacuum) validFanSpeed(fanSpeed string) bool {
	for _, speed := range v.cfg.FanSpeeds {
		if speed == fanSpeed {
			return true
		}
	}
	return false
}

// dispatch forwards an action to its bound script. Unbound actions are silent
// no-ops: callers are expected to check capabilities first, and the entity
// defends itself rather than erroring.
func (v *Vacuum) dispatch(ctx context.Context, kind ActionKind, vars map[string]interface{}) error {
	runner := v.cfg.Scripts[kind]
	if runner == nil {
		return nil
	}
	err := runner.Run(ctx, vars)
	v.collector.IncScriptRun(runner.Name(), err != nil)
	if err != nil {
		return fmt.Errorf("vacuum %s action %s: %w", v.cfg.ObjectID, kind, err)
	}
	return nil
}

func coerceBatteryLevel(result template.Result) (int, error) {
	switch value := result.Value.(type) {
	case int:
		return checkBatteryRange(value)
	case int64:
		return checkBatteryRange(int(value))
	case float64:
		return checkBatteryRange(int(value))
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("parse battery level %q: %w", value, err)
		}
		return checkBatteryRange(parsed)
	default:
		if result.Err != nil {
			return 0, result.Err
		}
		return 0, fmt.Errorf("expected integer-compatible battery level, got %T", result.Value)
	}
}

func checkBatteryRange(level int) (int, error) {
	if level < 0 || level > 100 {
		return 0, fmt.Errorf("battery level %d outside 0-100", level)
	}
	return level, nil
}

func joinStates(states []State) string {
	parts := make([]string, 0, len(states))
	for _, state := range states {
		parts = append(parts, string(state))
	}
	return strings.Join(parts, ", ")
}
