package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phietala/belt/pkg/api"
)

func noopHandler(ctx context.Context, inv *api.Invocation) (any, error) {
	return nil, nil
}

func TestRegisterAndLookup(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(api.TaskDefinition{Name: "demo.add", Handler: noopHandler}))
	require.NoError(t, r.Register(api.TaskDefinition{Name: "demo.mul", Handler: noopHandler}))

	def, err := r.Lookup("demo.add")
	require.NoError(t, err)
	require.Equal(t, "demo.add", def.Name)

	require.Equal(t, []string{"demo.add", "demo.mul"}, r.Names())
	require.Equal(t, 2, r.Len())
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(api.TaskDefinition{Name: "demo.add", Handler: noopHandler}))

	err := r.Register(api.TaskDefinition{Name: "demo.add", Handler: noopHandler})
	name, ok := api.IsDuplicateTask(err)
	require.True(t, ok, "second registration must fail as duplicate")
	require.Equal(t, "demo.add", name)
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()

	r := New()
	_, err := r.Lookup("missing")
	name, ok := api.IsUnknownTask(err)
	require.True(t, ok)
	require.Equal(t, "missing", name)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	r := New()

	require.Error(t, r.Register(api.TaskDefinition{Handler: noopHandler}),
		"empty name is rejected")
	require.Error(t, r.Register(api.TaskDefinition{Name: "demo.nil"}),
		"nil handler is rejected")
	require.Error(t, r.Register(api.TaskDefinition{
		Name:    "demo.limits",
		Handler: noopHandler,
		Limits:  api.TimeLimits{Soft: 2 * time.Second, Hard: time.Second},
	}), "soft limit above hard limit is rejected")
	require.Error(t, r.Register(api.TaskDefinition{
		Name:      "demo.rate",
		Handler:   noopHandler,
		RateLimit: &api.Rate{Limit: 0, Window: time.Second},
	}), "non-positive rate limit is rejected")
}

func TestFreeze(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register(api.TaskDefinition{Name: "demo.add", Handler: noopHandler}))

	r.Freeze()

	err := r.Register(api.TaskDefinition{Name: "demo.late", Handler: noopHandler})
	require.ErrorIs(t, err, api.ErrRegistryFrozen)

	_, err = r.Lookup("demo.add")
	require.NoError(t, err, "lookups still work after freeze")
}
