package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// sampleMeta builds a stored-result record for backend tests.
func sampleMeta(id string, state api.ResultState) *api.ResultMeta {
	meta := &api.ResultMeta{
		RequestID: id,
		Name:      "demo.add",
		State:     state,
		Retries:   1,
		At:        time.Now().UTC(),
	}
	switch state {
	case api.ResultSuccess:
		meta.Value = []byte(`5`)
	case api.ResultFailure:
		meta.Error = &api.ErrorInfo{Type: "ValueError", Message: "bad input"}
	}
	return meta
}

func TestMemoryBackend_StoreGetRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	want := sampleMeta("req-1", api.ResultSuccess)
	if err := b.StoreResult(ctx, "req-1", want); err != nil {
		t.Fatalf("StoreResult failed: %v", err)
	}

	got, err := b.GetResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.Name != want.Name || got.State != want.State || got.Retries != want.Retries {
		t.Fatalf("unexpected result: %+v", got)
	}
	if string(got.Value) != `5` {
		t.Fatalf("unexpected value: %q", got.Value)
	}
	if !got.At.Equal(want.At) {
		t.Fatalf("unexpected timestamp: got %v, want %v", got.At, want.At)
	}
}

func TestMemoryBackend_OverwriteLastWins(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	if err := b.StoreResult(ctx, "req-1", sampleMeta("req-1", api.ResultRetry)); err != nil {
		t.Fatalf("first StoreResult failed: %v", err)
	}
	if err := b.StoreResult(ctx, "req-1", sampleMeta("req-1", api.ResultSuccess)); err != nil {
		t.Fatalf("second StoreResult failed: %v", err)
	}

	got, err := b.GetResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.State != api.ResultSuccess {
		t.Fatalf("expected state %s, got %s", api.ResultSuccess, got.State)
	}
	if b.Len() != 1 {
		t.Fatalf("expected a single record, got %d", b.Len())
	}
}

func TestMemoryBackend_MissingResult(t *testing.T) {
	b := NewMemoryBackend()

	_, err := b.GetResult(context.Background(), "nope")
	if !errors.Is(err, api.ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}
}

func TestMemoryBackend_CopiesIsolateCallers(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	stored := sampleMeta("req-1", api.ResultSuccess)
	if err := b.StoreResult(ctx, "req-1", stored); err != nil {
		t.Fatalf("StoreResult failed: %v", err)
	}

	// Mutating what the caller handed in must not change the record.
	stored.State = api.ResultFailure

	got, err := b.GetResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if got.State != api.ResultSuccess {
		t.Fatalf("stored record was aliased to the caller's struct")
	}

	// Mutating what Get returned must not change the record either.
	got.State = api.ResultRevoked
	again, err := b.GetResult(ctx, "req-1")
	if err != nil {
		t.Fatalf("second GetResult failed: %v", err)
	}
	if again.State != api.ResultSuccess {
		t.Fatalf("returned record was aliased to the store")
	}
}
