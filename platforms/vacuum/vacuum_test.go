package vacuum

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/script"
	"github.com/hearth-home/hearth/template"
)

type publishRecord struct {
	topic   string
	payload string
}

type recordingPublisher struct {
	records []publishRecord
	err     error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, publishRecord{topic: topic, payload: string(payload)})
	return nil
}

type countingCollector struct {
	diagnostics map[string]int
	scriptRuns  map[string]int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{diagnostics: make(map[string]int), scriptRuns: make(map[string]int)}
}

func (c *countingCollector) IncReconcileDiagnostic(entityID, field string) {
	c.diagnostics[entityID+"/"+field]++
}

func (c *countingCollector) IncScriptRun(name string, failed bool) {
	c.scriptRuns[fmt.Sprintf("%s/%t", name, failed)]++
}

func (c *countingCollector) IncTriggerFire(string)      {}
func (c *countingCollector) SetEntityCount(string, int) {}

func testScript(t *testing.T, name, topic string, publisher script.Publisher) *script.Script {
	t.Helper()
	steps := []script.Step{{Publish: &script.PublishStep{Topic: topic, Raw: name}}}
	s, err := script.New(name, steps, publisher, zerolog.Nop())
	if err != nil {
		t.Fatalf("build script %s: %v", name, err)
	}
	return s
}

func newTestVacuum(t *testing.T, mutate func(*Config), publisher *recordingPublisher, collector *countingCollector) *Vacuum {
	t.Helper()
	cfg := Config{
		ObjectID:  "test_vacuum",
		FanSpeeds: []string{"low", "medium", "high"},
		Scripts: map[ActionKind]*script.Script{
			ActionStart: testScript(t, "start", "vacuum/cmd", publisher),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	v, err := New(cfg, zerolog.Nop(), collector)
	if err != nil {
		t.Fatalf("new vacuum: %v", err)
	}
	return v
}

func TestNewRequiresStartScript(t *testing.T) {
	_, err := New(Config{ObjectID: "broken"}, zerolog.Nop(), nil)
	if err == nil {
		t.Fatal("expected error for missing start script")
	}
}

func TestNewRequiresObjectID(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop(), nil)
	if err == nil {
		t.Fatal("expected error for missing object id")
	}
}

func TestCapabilitySet(t *testing.T) {
	publisher := &recordingPublisher{}
	v := newTestVacuum(t, func(cfg *Config) {
		cfg.StateTemplate = template.MustCompile(`states("sensor.s")`)
		cfg.Scripts[ActionSetFanSpeed] = testScript(t, "set_fan_speed", "vacuum/cmd", publisher)
	}, publisher, newCountingCollector())

	for _, tc := range []struct {
		capability Capability
		want       bool
	}{
		{CapabilityStart, true},
		{CapabilityFanSpeed, true},
		{CapabilityState, true},
		{CapabilityBattery, false},
		{CapabilityPause, false},
		{CapabilityLocate, false},
	} {
		if got := v.Supports(tc.capability); got != tc.want {
			t.Fatalf("Supports(%s) = %t, want %t", tc.capability, got, tc.want)
		}
	}
}

func TestReconcileStateAdoptsValidTokens(t *testing.T) {
	v := newTestVacuum(t, nil, &recordingPublisher{}, newCountingCollector())
	for _, want := range []State{StateCleaning, StateDocked, StatePaused, StateIdle, StateReturning, StateError} {
		v.ReconcileState(template.Result{Value: string(want)})
		got, ok := v.State()
		if !ok || got != want {
			t.Fatalf("state after %q = (%q, %t), want (%q, true)", want, got, ok, want)
		}
	}
}

func TestReconcileStateRejectsInvalidToken(t *testing.T) {
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, &recordingPublisher{}, collector)
	v.ReconcileState(template.Result{Value: string(StateCleaning)})
	v.ReconcileState(template.Result{Value: "hovering"})
	if _, ok := v.State(); ok {
		t.Fatal("invalid token must clear the state")
	}
	if collector.diagnostics["vacuum.test_vacuum/state"] != 1 {
		t.Fatalf("expected one state diagnostic, got %d", collector.diagnostics["vacuum.test_vacuum/state"])
	}
}

func TestReconcileStateUnknownTokenClears(t *testing.T) {
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, &recordingPublisher{}, collector)
	v.ReconcileState(template.Result{Value: string(StateDocked)})
	v.ReconcileState(template.Result{Value: "unknown"})
	if _, ok := v.State(); ok {
		t.Fatal("unknown token must clear the state")
	}
	if len(collector.diagnostics) != 0 {
		t.Fatalf("unknown token is not a diagnostic, got %v", collector.diagnostics)
	}
}

func TestReconcileStateFailureReportsUnknown(t *testing.T) {
	v := newTestVacuum(t, nil, &recordingPublisher{}, newCountingCollector())
	v.ReconcileState(template.Result{Err: errors.New("boom")})
	got, ok := v.State()
	if !ok || got != StateUnknown {
		t.Fatalf("state after failure = (%q, %t), want (%q, true)", got, ok, StateUnknown)
	}
	if !v.Available() {
		t.Fatal("failure without availability template must force availability")
	}
}

func TestReconcileStateFailureWithAvailabilityTemplate(t *testing.T) {
	v := newTestVacuum(t, func(cfg *Config) {
		cfg.AvailabilityTemplate = template.MustCompile(`states("sensor.s") != "unknown"`)
	}, &recordingPublisher{}, newCountingCollector())
	v.reconcileAvailability(template.Result{Value: false})
	v.ReconcileState(template.Result{Err: errors.New("boom")})
	got, ok := v.State()
	if !ok || got != StateUnknown {
		t.Fatalf("state after failure = (%q, %t), want (%q, true)", got, ok, StateUnknown)
	}
	if v.Available() {
		t.Fatal("availability template result must not be overridden by the state reconciler")
	}
}

func TestReconcileBattery(t *testing.T) {
	cases := []struct {
		name   string
		result template.Result
		want   int
		ok     bool
	}{
		{name: "zero", result: template.Result{Value: 0}, want: 0, ok: true},
		{name: "full", result: template.Result{Value: 100}, want: 100, ok: true},
		{name: "int64", result: template.Result{Value: int64(42)}, want: 42, ok: true},
		{name: "float", result: template.Result{Value: 88.0}, want: 88, ok: true},
		{name: "numeric string", result: template.Result{Value: " 57 "}, want: 57, ok: true},
		{name: "negative", result: template.Result{Value: -1}},
		{name: "above range", result: template.Result{Value: 101}},
		{name: "garbage string", result: template.Result{Value: "full"}},
		{name: "bool", result: template.Result{Value: true}},
		{name: "failure", result: template.Result{Err: errors.New("boom")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			collector := newCountingCollector()
			v := newTestVacuum(t, nil, &recordingPublisher{}, collector)
			v.ReconcileBattery(template.Result{Value: 50})
			v.ReconcileBattery(tc.result)
			got, ok := v.BatteryLevel()
			if ok != tc.ok {
				t.Fatalf("battery ok = %t, want %t", ok, tc.ok)
			}
			if tc.ok && got != tc.want {
				t.Fatalf("battery = %d, want %d", got, tc.want)
			}
			diag := collector.diagnostics["vacuum.test_vacuum/battery_level"]
			if tc.ok && diag != 0 {
				t.Fatalf("unexpected diagnostic for valid level: %d", diag)
			}
			if !tc.ok && diag != 1 {
				t.Fatalf("expected one battery diagnostic, got %d", diag)
			}
		})
	}
}

func TestReconcileFanSpeed(t *testing.T) {
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, &recordingPublisher{}, collector)

	v.ReconcileFanSpeed(template.Result{Value: "medium"})
	if got, ok := v.FanSpeed(); !ok || got != "medium" {
		t.Fatalf("fan speed = (%q, %t), want (medium, true)", got, ok)
	}

	v.ReconcileFanSpeed(template.Result{Value: "turbo"})
	if _, ok := v.FanSpeed(); ok {
		t.Fatal("catalog miss must clear the fan speed")
	}
	if collector.diagnostics["vacuum.test_vacuum/fan_speed"] != 1 {
		t.Fatalf("expected one fan speed diagnostic, got %d", collector.diagnostics["vacuum.test_vacuum/fan_speed"])
	}

	v.ReconcileFanSpeed(template.Result{Value: "high"})
	v.ReconcileFanSpeed(template.Result{Value: "unknown"})
	if _, ok := v.FanSpeed(); ok {
		t.Fatal("unknown token must clear the fan speed")
	}
}

func TestFanSpeedFailureClearsOperationalState(t *testing.T) {
	v := newTestVacuum(t, nil, &recordingPublisher{}, newCountingCollector())
	v.ReconcileState(template.Result{Value: string(StateCleaning)})
	v.ReconcileBattery(template.Result{Value: 75})
	v.ReconcileFanSpeed(template.Result{Value: "high"})

	v.ReconcileFanSpeed(template.Result{Err: errors.New("boom")})

	if _, ok := v.FanSpeed(); ok {
		t.Fatal("fan speed must be cleared on evaluation failure")
	}
	if _, ok := v.State(); ok {
		t.Fatal("operational state must be cleared alongside the fan speed")
	}
	if got, ok := v.BatteryLevel(); !ok || got != 75 {
		t.Fatalf("battery must survive a fan speed failure, got (%d, %t)", got, ok)
	}
}

func TestUnboundActionsAreSilentNoOps(t *testing.T) {
	publisher := &recordingPublisher{}
	v := newTestVacuum(t, nil, publisher, newCountingCollector())
	ctx := context.Background()

	for name, action := range map[string]func(context.Context) error{
		"pause":          v.Pause,
		"stop":           v.Stop,
		"return_to_base": v.ReturnToBase,
		"clean_spot":     v.CleanSpot,
		"locate":         v.Locate,
	} {
		if err := action(ctx); err != nil {
			t.Fatalf("%s on unbound script: %v", name, err)
		}
	}
	if len(publisher.records) != 0 {
		t.Fatalf("unbound actions must not publish, got %v", publisher.records)
	}
}

func TestStartDispatchesScript(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, publisher, collector)

	if err := v.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(publisher.records) != 1 || publisher.records[0].topic != "vacuum/cmd" {
		t.Fatalf("unexpected publishes: %v", publisher.records)
	}
	if collector.scriptRuns["start/false"] != 1 {
		t.Fatalf("expected one successful script run, got %v", collector.scriptRuns)
	}
}

func TestDispatchWrapsScriptError(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, publisher, collector)

	if err := v.Start(context.Background()); err == nil {
		t.Fatal("expected script failure to propagate")
	}
	if collector.scriptRuns["start/true"] != 1 {
		t.Fatalf("expected one failed script run, got %v", collector.scriptRuns)
	}
}

func TestSetFanSpeedValidatesBeforeDispatch(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newCountingCollector()
	v := newTestVacuum(t, func(cfg *Config) {
		cfg.FanSpeeds = []string{"low", "high"}
		cfg.Scripts[ActionSetFanSpeed] = testScript(t, "set_fan_speed", "vacuum/fan", publisher)
	}, publisher, collector)
	v.ReconcileFanSpeed(template.Result{Value: "low"})

	if err := v.SetFanSpeed(context.Background(), "turbo"); err != nil {
		t.Fatalf("invalid speed must not error: %v", err)
	}
	if len(publisher.records) != 0 {
		t.Fatalf("invalid speed must not dispatch, got %v", publisher.records)
	}
	if got, ok := v.FanSpeed(); !ok || got != "low" {
		t.Fatalf("invalid speed must leave the field untouched, got (%q, %t)", got, ok)
	}
	if collector.diagnostics["vacuum.test_vacuum/fan_speed"] != 1 {
		t.Fatalf("expected one diagnostic, got %d", collector.diagnostics["vacuum.test_vacuum/fan_speed"])
	}

	if err := v.SetFanSpeed(context.Background(), "high"); err != nil {
		t.Fatalf("set fan speed: %v", err)
	}
	if len(publisher.records) != 1 || publisher.records[0].topic != "vacuum/fan" {
		t.Fatalf("expected one dispatch, got %v", publisher.records)
	}
	if got, ok := v.FanSpeed(); !ok || got != "high" {
		t.Fatalf("dispatch path must record the speed optimistically, got (%q, %t)", got, ok)
	}
}

func TestSetFanSpeedWithoutScriptIsNoOp(t *testing.T) {
	publisher := &recordingPublisher{}
	collector := newCountingCollector()
	v := newTestVacuum(t, nil, publisher, collector)

	if err := v.SetFanSpeed(context.Background(), "turbo"); err != nil {
		t.Fatalf("unbound set_fan_speed must not error: %v", err)
	}
	if len(collector.diagnostics) != 0 {
		t.Fatalf("unbound set_fan_speed must not diagnose, got %v", collector.diagnostics)
	}
}

func TestSetFanSpeedWriteGoesThroughTheLoop(t *testing.T) {
	lp := loop.New(zerolog.Nop())
	registry := entity.NewRegistry()
	engine := template.NewEngine(registry, lp, zerolog.Nop())

	publisher := &recordingPublisher{}
	v := newTestVacuum(t, func(cfg *Config) {
		cfg.Scripts[ActionSetFanSpeed] = testScript(t, "set_fan_speed", "vacuum/fan", publisher)
	}, publisher, newCountingCollector())
	v.Attach(engine, registry, lp)

	if err := v.SetFanSpeed(context.Background(), "high"); err != nil {
		t.Fatalf("set fan speed: %v", err)
	}
	if _, ok := v.FanSpeed(); ok {
		t.Fatal("attached vacuum must defer the write to the loop")
	}
	for lp.RunPending() > 0 {
	}
	if got, ok := v.FanSpeed(); !ok || got != "high" {
		t.Fatalf("fan speed after drain = (%q, %t)", got, ok)
	}
}

func TestAttachPublishesCompositeState(t *testing.T) {
	lp := loop.New(zerolog.Nop())
	registry := entity.NewRegistry()
	engine := template.NewEngine(registry, lp, zerolog.Nop())

	publisher := &recordingPublisher{}
	v := newTestVacuum(t, func(cfg *Config) {
		cfg.FriendlyName = "Living room vacuum"
		cfg.StateTemplate = template.MustCompile(`states("sensor.vacuum_state")`)
		cfg.FanSpeedTemplate = template.MustCompile(`states("sensor.vacuum_fan")`)
		cfg.BatteryTemplate = template.MustCompile(`int(states("sensor.vacuum_battery"))`)
	}, publisher, newCountingCollector())
	v.Attach(engine, registry, lp)

	detach, err := engine.Start()
	if err != nil {
		t.Fatalf("start engine: %v", err)
	}
	defer detach()

	registry.SetState("sensor.vacuum_state", "cleaning", nil, true)
	registry.SetState("sensor.vacuum_fan", "medium", nil, true)
	registry.SetState("sensor.vacuum_battery", "61", nil, true)
	for lp.RunPending() > 0 {
	}

	state := registry.Get(v.EntityID())
	if state == nil {
		t.Fatalf("vacuum entity %s not published", v.EntityID())
	}
	if state.Value != string(StateCleaning) {
		t.Fatalf("published value = %q, want %q", state.Value, StateCleaning)
	}
	if got := state.Attributes["friendly_name"]; got != "Living room vacuum" {
		t.Fatalf("friendly_name = %v", got)
	}
	if got := state.Attributes["fan_speed"]; got != "medium" {
		t.Fatalf("fan_speed attribute = %v", got)
	}
	if got := state.Attributes["battery_level"]; got != 61 {
		t.Fatalf("battery_level attribute = %v", got)
	}
}
