package template

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Template is a compiled user expression. Expressions are compiled once at
// entity construction and evaluated against live registry data on every
// source change.
type Template struct {
	source  string
	program *vm.Program
}

// Compile parses an expression. Identifiers are resolved at run time against
// the helper environment, so undefined variables are allowed here.
func Compile(source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, errors.New("template expression must not be empty")
	}
	program, err := expr.Compile(trimmed, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile template %q: %w", trimmed, err)
	}
	return &Template{source: trimmed, program: program}, nil
}

// MustCompile is Compile for static expressions in tests and tables.
func MustCompile(source string) *Template {
	t, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the original expression text.
func (t *Template) Source() string {
	if t == nil {
		return ""
	}
	return t.source
}

// Run evaluates the template against a caller-provided environment. Scripts
// use this to render payloads from run variables; registry-backed evaluation
// lives on the Engine.
func (t *Template) Run(env map[string]interface{}) (interface{}, error) {
	if t == nil || t.program == nil {
		return nil, errors.New("template is nil")
	}
	if env == nil {
		env = map[string]interface{}{}
	}
	return vm.Run(t.program, env)
}

// Result is the outcome of a single evaluation. Err is set on an evaluation
// failure (unknown reference, type error, runtime error); callbacks decide
// how to degrade, the engine never raises.
type Result struct {
	Value interface{}
	Err   error
}

// Failed reports whether the evaluation produced an error instead of a value.
func (r Result) Failed() bool {
	return r.Err != nil
}

// String coerces the evaluated value into a string. Non-string scalars are
// rendered the way the expression language prints them.
func (r Result) String() string {
	switch v := r.Value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
