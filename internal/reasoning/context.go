package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

const defaultHistoryWindow = 30

// metadataHistoryProjection, when present on a workflow definition, holds a
// jq program applied to the history before it is handed to the provider.
const metadataHistoryProjection = "history_projection"

// StateExcerpt is the slice of the workflow the provider is allowed to see:
// the current state, its outgoing options and the tools granted in it. The
// rest of the graph stays hidden so the provider cannot propose ahead.
type StateExcerpt struct {
	Name          string              `json:"name"`
	Description   string              `json:"description,omitempty"`
	OwningProcess string              `json:"owning_process,omitempty"`
	Options       []TransitionOption  `json:"options"`
	Tools         map[string][]string `json:"tools,omitempty"`
}

// TransitionOption is one selectable trigger from the current state.
type TransitionOption struct {
	TriggerLabel string `json:"trigger_label"`
	Description  string `json:"description,omitempty"`
}

// BuildExcerpt projects a single state of the definition into the view
// handed to the provider. Guard conditions are deliberately omitted.
func BuildExcerpt(def *schema.WorkflowDefinition, stateName string) (*StateExcerpt, error) {
	st := def.FindState(stateName)
	if st == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "state %q not found in workflow %q", stateName, def.Name).
			WithState(stateName)
	}

	excerpt := &StateExcerpt{
		Name:          st.Name,
		Description:   st.Description,
		OwningProcess: st.OwningProcess,
		Options:       make([]TransitionOption, 0, len(st.Scenarios)),
		Tools:         st.AvailableTools,
	}
	for _, sc := range st.Scenarios {
		excerpt.Options = append(excerpt.Options, TransitionOption{
			TriggerLabel: sc.TriggerLabel,
			Description:  sc.Description,
		})
	}
	return excerpt, nil
}

// ContextBuilder assembles provider inputs from stored conversation data.
type ContextBuilder struct {
	eval          *expressions.Evaluator
	historyWindow int
}

func NewContextBuilder(eval *expressions.Evaluator) *ContextBuilder {
	return &ContextBuilder{eval: eval, historyWindow: defaultHistoryWindow}
}

// WithHistoryWindow overrides how many trailing messages the provider sees.
func (b *ContextBuilder) WithHistoryWindow(n int) *ContextBuilder {
	if n > 0 {
		b.historyWindow = n
	}
	return b
}

// Build produces the provider input for one inbound message. History is
// trimmed to the trailing window. When the definition carries a
// history_projection program in its metadata the projected view is attached
// alongside the raw messages.
func (b *ContextBuilder) Build(ctx context.Context, sess *store.Session, def *schema.WorkflowDefinition, history []*store.Message, inbound *store.Message) (*Input, error) {
	excerpt, err := BuildExcerpt(def, sess.CurrentState)
	if err != nil {
		return nil, err
	}

	trimmed := history
	if len(trimmed) > b.historyWindow {
		trimmed = trimmed[len(trimmed)-b.historyWindow:]
	}

	input := &Input{
		Session: sess,
		State:   excerpt,
		History: trimmed,
		Inbound: inbound,
	}

	if prog, ok := def.Metadata[metadataHistoryProjection].(string); ok && prog != "" && b.eval != nil {
		projected, err := b.projectHistory(ctx, prog, trimmed)
		if err != nil {
			return nil, err
		}
		input.Projected = projected
	}
	return input, nil
}

func (b *ContextBuilder) projectHistory(ctx context.Context, prog string, history []*store.Message) (any, error) {
	raw, err := json.Marshal(history)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshaling history for projection").WithCause(err)
	}
	var plain []any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decoding history for projection").WithCause(err)
	}

	scope := &expressions.Scope{History: plain}
	out, err := b.eval.Evaluate(ctx, fmt.Sprintf("jq:%s", prog), scope)
	if err != nil {
		return nil, err
	}
	return out, nil
}
