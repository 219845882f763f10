package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// WorkflowDefinition is the JSON-serializable conversational workflow format.
// The dashboard submits this via convo.validate / convo.workflow.
// Once validated it is treated as immutable; any edit produces a new version.
type WorkflowDefinition struct {
	Name     string         `json:"name,omitempty"`
	States   []State        `json:"states"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// State is one phase of a conversation: its legal outbound transitions
// and the tools each actor may invoke while the session sits in it.
type State struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"` // shown to the reasoning provider
	OwningProcess  string              `json:"owning_process,omitempty"`
	Initial        bool                `json:"initial,omitempty"`
	Scenarios      []Transition        `json:"scenarios,omitempty"`
	AvailableTools map[string][]string `json:"available_tools,omitempty"` // actor -> tool names
}

// Transition is a named legal move out of its source state. The reasoning
// provider selects it by trigger_label; the engine only validates the choice.
type Transition struct {
	TriggerLabel string `json:"trigger_label"`
	NextState    string `json:"next_state"`
	Description  string `json:"description,omitempty"`
	Condition    string `json:"condition,omitempty"` // optional guard: "cel:" (default), "expr:", "jq:"
}

// Sender identifies who produced a conversation message.
type Sender string

const (
	SenderClient   Sender = "client"
	SenderAgent    Sender = "agent"
	SenderOperator Sender = "operator"
)

// KnownSender reports whether s is one of the three legal senders.
func KnownSender(s Sender) bool {
	return s == SenderClient || s == SenderAgent || s == SenderOperator
}

// Version derives the content-addressed version identifier of the
// definition. Two structurally identical definitions produce the same
// version, so re-submitting an unchanged workflow is a no-op upstream.
func (d *WorkflowDefinition) Version() string {
	canonical := canonicalDefinition{
		Name:     d.Name,
		States:   make([]canonicalState, len(d.States)),
		Metadata: d.Metadata,
	}
	for i, s := range d.States {
		cs := canonicalState{
			Name:          s.Name,
			Description:   s.Description,
			OwningProcess: s.OwningProcess,
			Initial:       s.Initial,
			Scenarios:     s.Scenarios,
		}
		// Map iteration order is unstable; flatten grants sorted by actor.
		actors := make([]string, 0, len(s.AvailableTools))
		for actor := range s.AvailableTools {
			actors = append(actors, actor)
		}
		sort.Strings(actors)
		for _, actor := range actors {
			tools := append([]string(nil), s.AvailableTools[actor]...)
			sort.Strings(tools)
			cs.Tools = append(cs.Tools, canonicalGrant{Actor: actor, Tools: tools})
		}
		canonical.States[i] = cs
	}

	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// InitialState returns the single state marked initial, or nil when the
// definition has zero or multiple initial states (i.e. was never validated).
func (d *WorkflowDefinition) InitialState() *State {
	var found *State
	for i := range d.States {
		if d.States[i].Initial {
			if found != nil {
				return nil
			}
			found = &d.States[i]
		}
	}
	return found
}

// FindState returns the state with the given name, or nil.
func (d *WorkflowDefinition) FindState(name string) *State {
	for i := range d.States {
		if d.States[i].Name == name {
			return &d.States[i]
		}
	}
	return nil
}

// FindTransition returns the scenario with the given trigger label, or nil.
func (s *State) FindTransition(triggerLabel string) *Transition {
	for i := range s.Scenarios {
		if s.Scenarios[i].TriggerLabel == triggerLabel {
			return &s.Scenarios[i]
		}
	}
	return nil
}

// GrantsTool reports whether the state grants the named tool to the actor.
func (s *State) GrantsTool(actor, tool string) bool {
	for _, t := range s.AvailableTools[actor] {
		if t == tool {
			return true
		}
	}
	return false
}

// canonical* mirror the definition with deterministic ordering for hashing.

type canonicalDefinition struct {
	Name   string           `json:"name"`
	States []canonicalState `json:"states"`
	// json.Marshal emits map keys sorted, so metadata hashes deterministically.
	Metadata map[string]any `json:"metadata"`
}

type canonicalState struct {
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	OwningProcess string           `json:"owning_process"`
	Initial       bool             `json:"initial"`
	Scenarios     []Transition     `json:"scenarios"`
	Tools         []canonicalGrant `json:"tools"`
}

type canonicalGrant struct {
	Actor string   `json:"actor"`
	Tools []string `json:"tools"`
}
