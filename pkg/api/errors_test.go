package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	dup := fmt.Errorf("register: %w", &DuplicateTaskError{Name: "demo.add"})
	name, ok := IsDuplicateTask(dup)
	require.True(t, ok)
	require.Equal(t, "demo.add", name)

	unk := fmt.Errorf("lookup: %w", &UnknownTaskError{Name: "nope"})
	name, ok = IsUnknownTask(unk)
	require.True(t, ok)
	require.Equal(t, "nope", name)

	_, ok = IsDuplicateTask(unk)
	require.False(t, ok)
}

func TestBrokerUnavailableWrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := BrokerUnavailable("receive", cause)

	require.True(t, IsBrokerUnavailable(err))
	require.ErrorIs(t, err, cause, "cause must be reachable through Unwrap")
	require.Contains(t, err.Error(), "receive")

	require.NoError(t, BrokerUnavailable("receive", nil), "nil cause stays nil")

	wrapped := fmt.Errorf("loop: %w", err)
	require.True(t, IsBrokerUnavailable(wrapped))
}

func TestPoolStartError(t *testing.T) {
	t.Parallel()

	cause := errors.New("fork not supported")
	err := &PoolStartError{Strategy: "fork", Reason: "platform", Err: cause}

	require.Contains(t, err.Error(), "fork")
	require.ErrorIs(t, err, cause)

	var pse *PoolStartError
	require.True(t, errors.As(fmt.Errorf("start: %w", err), &pse))
	require.Equal(t, "fork", pse.Strategy)
}
