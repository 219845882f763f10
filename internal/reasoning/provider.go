package reasoning

import (
	"context"
	"encoding/json"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/pkg/schema"
)

// Provider is the external natural-language reasoning component. Given the
// current state excerpt, conversation history and the inbound message it
// proposes a transition and/or a tool call. The engine treats it as an
// opaque black box and only validates its output.
type Provider interface {
	Propose(ctx context.Context, input *Input) (*Proposal, error)
}

// Input is everything the provider may look at for one inbound message.
type Input struct {
	Session   *store.Session   `json:"session"`
	State     *StateExcerpt    `json:"state"`
	History   []*store.Message `json:"history"`
	Inbound   *store.Message   `json:"inbound"`
	Projected any              `json:"projected,omitempty"` // optional jq projection of history
}

// ToolRequest is a proposed tool invocation.
type ToolRequest struct {
	Actor  string          `json:"actor"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Proposal is the provider's output for one inbound message. All fields
// are optional: an empty proposal means "stay put, say nothing".
type Proposal struct {
	TriggerLabel string       `json:"trigger_label,omitempty"`
	Tool         *ToolRequest `json:"tool,omitempty"`
	Reply        string       `json:"reply,omitempty"`
}

// ValidateProposal checks the shape of a provider's output before the
// engine acts on it. Semantic legality (is the trigger a scenario of the
// current state, is the tool granted) is the engine's job, not this one.
func ValidateProposal(p *Proposal) error {
	if p == nil {
		return nil
	}
	if p.Tool != nil {
		if p.Tool.Actor == "" {
			return schema.NewError(schema.ErrCodeValidation, "tool request has empty actor")
		}
		if p.Tool.Name == "" {
			return schema.NewError(schema.ErrCodeValidation, "tool request has empty name")
		}
	}
	return nil
}
