package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition() *WorkflowDefinition {
	return &WorkflowDefinition{
		Name: "booking",
		States: []State{
			{
				Name:        "Greeting",
				Description: "Welcome the client",
				Initial:     true,
				Scenarios: []Transition{
					{TriggerLabel: "GreetingComplete", NextState: "Offer"},
				},
				AvailableTools: map[string][]string{"Agent": {}},
			},
			{
				Name: "Offer",
				Scenarios: []Transition{
					{TriggerLabel: "OfferAccepted", NextState: "Offer"},
				},
				AvailableTools: map[string][]string{"Agent": {"ForwardSpeech"}},
			},
		},
	}
}

func TestVersion_Deterministic(t *testing.T) {
	a := sampleDefinition()
	b := sampleDefinition()

	require.Equal(t, a.Version(), b.Version())
	assert.Len(t, a.Version(), 64)
}

func TestVersion_IgnoresGrantOrder(t *testing.T) {
	a := sampleDefinition()
	b := sampleDefinition()
	a.States[1].AvailableTools["Agent"] = []string{"ForwardSpeech", "CreateBooking"}
	b.States[1].AvailableTools["Agent"] = []string{"CreateBooking", "ForwardSpeech"}

	assert.Equal(t, a.Version(), b.Version())
}

func TestVersion_ChangesWithContent(t *testing.T) {
	a := sampleDefinition()
	b := sampleDefinition()
	b.States[0].Scenarios[0].NextState = "Greeting"

	assert.NotEqual(t, a.Version(), b.Version())
}

func TestVersion_ChangesWithMetadata(t *testing.T) {
	a := sampleDefinition()
	b := sampleDefinition()
	b.Metadata = map[string]any{"history_projection": "map(.content)"}

	// A metadata-only edit changes provider context and guard scope, so
	// it must produce a distinct version.
	assert.NotEqual(t, a.Version(), b.Version())

	c := sampleDefinition()
	c.Metadata = map[string]any{"history_projection": "map(.content)"}
	assert.Equal(t, b.Version(), c.Version())
}

func TestInitialState(t *testing.T) {
	def := sampleDefinition()
	initial := def.InitialState()
	require.NotNil(t, initial)
	assert.Equal(t, "Greeting", initial.Name)

	// Two initial states means the definition is ambiguous.
	def.States[1].Initial = true
	assert.Nil(t, def.InitialState())

	// None at all.
	def.States[0].Initial = false
	def.States[1].Initial = false
	assert.Nil(t, def.InitialState())
}

func TestFindStateAndTransition(t *testing.T) {
	def := sampleDefinition()

	offer := def.FindState("Offer")
	require.NotNil(t, offer)
	assert.Nil(t, def.FindState("Nonexistent"))

	tr := def.FindState("Greeting").FindTransition("GreetingComplete")
	require.NotNil(t, tr)
	assert.Equal(t, "Offer", tr.NextState)
	assert.Nil(t, offer.FindTransition("GreetingComplete"))
}

func TestGrantsTool(t *testing.T) {
	def := sampleDefinition()
	offer := def.FindState("Offer")

	assert.True(t, offer.GrantsTool("Agent", "ForwardSpeech"))
	assert.False(t, offer.GrantsTool("Agent", "CreateBooking"))
	assert.False(t, offer.GrantsTool("Operator", "ForwardSpeech"))
	assert.False(t, def.FindState("Greeting").GrantsTool("Agent", "ForwardSpeech"))
}

func TestKnownSender(t *testing.T) {
	assert.True(t, KnownSender(SenderClient))
	assert.True(t, KnownSender(SenderAgent))
	assert.True(t, KnownSender(SenderOperator))
	assert.False(t, KnownSender("system"))
}

func TestHasCode(t *testing.T) {
	err := NewErrorf(ErrCodeInvalidTransition, "no scenario %q", "Foo").WithState("Greeting")

	assert.True(t, HasCode(err, ErrCodeInvalidTransition))
	assert.False(t, HasCode(err, ErrCodeNotFound))
	assert.False(t, HasCode(errors.New("plain"), ErrCodeInvalidTransition))

	wrapped := NewError(ErrCodeStore, "persist failed").WithCause(err)
	assert.True(t, HasCode(wrapped, ErrCodeStore))
	assert.ErrorContains(t, wrapped, "STORE_ERROR")
}
