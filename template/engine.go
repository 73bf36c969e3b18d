package template

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
)

// Callback receives every evaluation outcome for a bound template. Callbacks
// run on the event loop and must not block.
type Callback func(Result)

type binding struct {
	template *Template
	callback Callback
}

// Engine evaluates bound templates against the entity registry and invokes
// their callbacks on the event loop whenever a source entity changes.
type Engine struct {
	registry *entity.Registry
	loop     *loop.Loop
	logger   zerolog.Logger

	mu       sync.Mutex
	bindings []*binding
	detach   func()
}

// NewEngine creates an engine over the given registry and loop.
func NewEngine(registry *entity.Registry, lp *loop.Loop, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		loop:     lp,
		logger:   logger.With().Str("component", "template").Logger(),
	}
}

// Bind subscribes a callback to the template's value. The callback is invoked
// once with the current result and again after every registry transition.
func (e *Engine) Bind(t *Template, cb Callback) {
	if t == nil || cb == nil {
		return
	}
	b := &binding{template: t, callback: cb}
	e.mu.Lock()
	e.bindings = append(e.bindings, b)
	e.mu.Unlock()
	if err := e.loop.Submit(func() { b.callback(e.Evaluate(t)) }); err != nil {
		e.logger.Error().Err(err).Str("template", t.Source()).Msg("initial evaluation not scheduled")
	}
}

// Start attaches the engine to registry transitions. It returns a detach
// function; calling Start twice is an error.
func (e *Engine) Start() (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detach != nil {
		return nil, errors.New("template engine already started")
	}
	detach := e.registry.Subscribe(func(entity.Change) {
		if err := e.loop.Submit(e.refreshAll); err != nil && !errors.Is(err, loop.ErrStopped) {
			e.logger.Error().Err(err).Msg("re-evaluation not scheduled")
		}
	})
	e.detach = detach
	return func() {
		detach()
		e.mu.Lock()
		e.detach = nil
		e.mu.Unlock()
	}, nil
}

func (e *Engine) refreshAll() {
	e.mu.Lock()
	bindings := append([]*binding(nil), e.bindings...)
	e.mu.Unlock()
	for _, b := range bindings {
		b.callback(e.Evaluate(b.template))
	}
}

// Evaluate runs a template against the current registry snapshot. Failures
// are reported through the result, never panicked to the caller.
func (e *Engine) Evaluate(t *Template) Result {
	if t == nil || t.program == nil {
		return Result{Err: errors.New("template is nil")}
	}
	snapshot := e.registry.Snapshot()
	env := buildEnv(snapshot)
	value, err := vm.Run(t.program, env)
	if err != nil {
		return Result{Err: fmt.Errorf("evaluate %q: %w", t.source, err)}
	}
	return Result{Value: value}
}

// buildEnv exposes the registry to expressions. Helper functions panic with
// ordinary errors on bad references; the expression VM converts those panics
// into evaluation failures.
func buildEnv(snapshot map[string]*entity.State) map[string]interface{} {
	env := make(map[string]interface{}, 6)
	env["states"] = func(id string) string {
		state := snapshot[id]
		if state == nil || !state.Available {
			return "unknown"
		}
		return state.Value
	}
	env["is_state"] = func(id, value string) bool {
		state := snapshot[id]
		return state != nil && state.Available && state.Value == value
	}
	env["state_attr"] = func(id, attr string) interface{} {
		state := snapshot[id]
		if state == nil {
			panic(fmt.Errorf("unknown entity %q", id))
		}
		return state.Attributes[attr]
	}
	env["has_value"] = func(id string) bool {
		state := snapshot[id]
		return state != nil && state.Available && state.Value != "" && state.Value != "unknown"
	}
	env["fail"] = func(message string) interface{} {
		panic(errors.New(message))
	}
	return env
}
