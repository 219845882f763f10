package expressions

import (
	"context"
	"strings"

	"github.com/rendis/convo/pkg/schema"
)

// Engine evaluates guard and projection expressions against a session scope.
// Three implementations: CEL (guards, default), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope is the data visible to guard/projection expressions:
//   - session:  id, current_state, contact, paused, sandbox
//   - message:  sender, content, type of the triggering inbound message
//   - history:  recent messages as []map
//   - metadata: workflow definition metadata
type Scope struct {
	Session  map[string]any
	Message  map[string]any
	History  []any
	Metadata map[string]any
}

// Data flattens the scope into the map handed to an Engine.
func (s *Scope) Data() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		"session":  orEmptyMap(s.Session),
		"message":  orEmptyMap(s.Message),
		"history":  orEmptySlice(s.History),
		"metadata": orEmptyMap(s.Metadata),
	}
}

// Evaluator bundles the three engines and dispatches by expression prefix:
// "expr:" and "jq:" select the alternates, everything else (with or
// without a "cel:" prefix) goes to CEL.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with all three engines ready.
func NewEvaluator() (*Evaluator, error) {
	celEng, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEng,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate routes the expression to the engine its prefix selects.
func (ev *Evaluator) Evaluate(ctx context.Context, expression string, scope *Scope) (any, error) {
	engine, body := ev.route(expression)
	return engine.Evaluate(ctx, body, scope.Data())
}

// EvaluateBool evaluates a guard expression and coerces the result to bool.
// Non-boolean results are a validation error: guards must be predicates.
func (ev *Evaluator) EvaluateBool(ctx context.Context, expression string, scope *Scope) (bool, error) {
	out, err := ev.Evaluate(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q evaluated to %T, want bool", expression, out)
	}
	return b, nil
}

// Compile checks an expression without evaluating it; used by workflow
// validation so broken guards are rejected at authoring time.
func (ev *Evaluator) Compile(expression string) error {
	engine, body := ev.route(expression)
	switch e := engine.(type) {
	case *CELEngine:
		_, err := e.getOrCompile(body)
		return err
	case *ExprEngine:
		_, err := e.getOrCompile(body, (&Scope{}).Data())
		return err
	case *GoJQEngine:
		_, err := e.getOrCompile(body)
		return err
	}
	return nil
}

func (ev *Evaluator) route(expression string) (Engine, string) {
	trimmed := strings.TrimSpace(expression)
	switch {
	case strings.HasPrefix(trimmed, "expr:"):
		return ev.expr, strings.TrimSpace(strings.TrimPrefix(trimmed, "expr:"))
	case strings.HasPrefix(trimmed, "jq:"):
		return ev.jq, strings.TrimSpace(strings.TrimPrefix(trimmed, "jq:"))
	case strings.HasPrefix(trimmed, "cel:"):
		return ev.cel, strings.TrimSpace(strings.TrimPrefix(trimmed, "cel:"))
	default:
		return ev.cel, trimmed
	}
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}
