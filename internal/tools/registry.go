package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/convo/pkg/schema"
)

// ToolInfo describes a registered tool for listing surfaces.
type ToolInfo struct {
	Name        string `json:"name"`
	Actor       string `json:"actor"`
	Description string `json:"description,omitempty"`
	SideEffect  bool   `json:"side_effect"` // has production real-world effect
}

// Lookup is the read-side contract consumed by workflow validation.
// Tool semantics stay outside the engine; validation only needs legality.
type Lookup interface {
	KnownActor(actor string) bool
	Has(actor, tool string) bool
}

// Executor performs the real-world effect of an authorized tool call.
// Implementations live outside the engine (notify operator, create a
// booking, ...). Sandbox indicates the call originates from an ephemeral
// session and must not produce production effects.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (json.RawMessage, error)
}

// Invocation is one authorized tool call handed to the Executor.
type Invocation struct {
	SessionID string          `json:"session_id"`
	Actor     string          `json:"actor"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params,omitempty"`
	Sandbox   bool            `json:"sandbox"`
}

// Registry is the closed, thread-safe actor/tool registry. Workflow
// authoring is checked against it so unknown tags are rejected at
// validation time, never at invocation time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]map[string]ToolInfo // actor -> tool name -> info
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]map[string]ToolInfo)}
}

// Register adds a tool under an actor. Returns error on duplicate.
func (r *Registry) Register(info ToolInfo) error {
	if info.Actor == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool actor is empty")
	}
	if info.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byName, ok := r.tools[info.Actor]
	if !ok {
		byName = make(map[string]ToolInfo)
		r.tools[info.Actor] = byName
	}
	if _, exists := byName[info.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "tool %q already registered for actor %q", info.Name, info.Actor)
	}
	byName[info.Name] = info
	return nil
}

// KnownActor reports whether any tool is registered under the actor.
func (r *Registry) KnownActor(actor string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[actor]
	return ok
}

// Has reports whether the tool is registered for the actor.
func (r *Registry) Has(actor, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[actor][tool]
	return ok
}

// List returns all registered tools, sorted by actor then name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ToolInfo, 0)
	for _, byName := range r.tools {
		for _, info := range byName {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Actor != infos[j].Actor {
			return infos[i].Actor < infos[j].Actor
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

var _ Lookup = (*Registry)(nil)
