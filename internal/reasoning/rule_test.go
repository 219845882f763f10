package reasoning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/internal/store"
)

func TestRuleProviderMatchesTriggerLabels(t *testing.T) {
	p := NewRuleProvider()
	input := &Input{
		State: &StateExcerpt{
			Name: "greeting",
			Options: []TransitionOption{
				{TriggerLabel: "needs_help"},
				{TriggerLabel: "just_browsing"},
			},
		},
		Inbound: &store.Message{Content: "Hi, I think I NEEDS HELP with my account"},
	}

	proposal, err := p.Propose(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "needs_help", proposal.TriggerLabel)
}

func TestRuleProviderNoMatch(t *testing.T) {
	p := NewRuleProvider()
	input := &Input{
		State: &StateExcerpt{
			Name:    "greeting",
			Options: []TransitionOption{{TriggerLabel: "needs_help"}},
		},
		Inbound: &store.Message{Content: "lovely weather today"},
	}

	proposal, err := p.Propose(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, proposal.TriggerLabel)
	assert.Nil(t, proposal.Tool)
}
