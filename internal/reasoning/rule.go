package reasoning

import (
	"context"
	"strings"
)

// RuleProvider is a deterministic Provider that matches the inbound message
// against trigger labels by keyword. It is the default when no external
// reasoning component is wired and is what sandbox runs use in tests: the
// engine's behavior stays fully reproducible.
//
// Matching is case-insensitive. A trigger matches when the message contains
// the label with underscores read as spaces ("wants_order" matches "I
// wants order"), or the label itself verbatim.
type RuleProvider struct{}

func NewRuleProvider() *RuleProvider { return &RuleProvider{} }

func (p *RuleProvider) Propose(ctx context.Context, input *Input) (*Proposal, error) {
	if input.Inbound == nil || input.State == nil {
		return &Proposal{}, nil
	}
	content := strings.ToLower(input.Inbound.Content)

	for _, opt := range input.State.Options {
		label := strings.ToLower(opt.TriggerLabel)
		spaced := strings.ReplaceAll(label, "_", " ")
		if strings.Contains(content, label) || strings.Contains(content, spaced) {
			return &Proposal{TriggerLabel: opt.TriggerLabel}, nil
		}
	}
	return &Proposal{}, nil
}

var _ Provider = (*RuleProvider)(nil)
