package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/pkg/api"
)

func noopRun(ctx context.Context, run api.Run) (any, error) { return nil, nil }

func TestRegistry_LookupByTypeAndAlias(t *testing.T) {
	reg := NewRegistry().MustRegister(
		api.Definition{Type: "listing_review", Aliases: []string{"listing-review"}, Run: noopRun},
		api.Definition{Type: "content_review", Run: noopRun},
	)

	def, ok := reg.Lookup("listing-review")
	require.True(t, ok)
	assert.Equal(t, api.WorkflowType("listing_review"), def.Type)

	_, ok = reg.Lookup("listing_review")
	assert.True(t, ok)
	_, ok = reg.Lookup("unknown")
	assert.False(t, ok)

	assert.Equal(t, []api.WorkflowType{"content_review", "listing_review"}, reg.Types())
}

func TestRegistry_RejectsInvalidDefinitions(t *testing.T) {
	reg := NewRegistry().MustRegister(api.Definition{Type: "a", Aliases: []string{"alias"}, Run: noopRun})

	cases := map[string]api.Definition{
		"empty type":         {Run: noopRun},
		"nil run":            {Type: "b"},
		"duplicate type":     {Type: "a", Run: noopRun},
		"alias collision":    {Type: "c", Aliases: []string{"alias"}, Run: noopRun},
		"alias shadows type": {Type: "d", Aliases: []string{"a"}, Run: noopRun},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, reg.Register(def))
		})
	}
	assert.Equal(t, []api.WorkflowType{"a"}, reg.Types())
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	assert.Panics(t, func() {
		NewRegistry().MustRegister(api.Definition{Type: "x", Run: noopRun}, api.Definition{Type: "x", Run: noopRun})
	})
}
