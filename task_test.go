package belt

import (
	"context"
	"testing"
	"time"

	"github.com/phietala/belt/pkg/api"
)

func nopHandler(ctx context.Context, inv *Invocation) (any, error) {
	return nil, nil
}

func TestNewTask_PanicsOnEmptyName(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected NewTask to panic on empty name")
		}
	}()
	NewTask("", nopHandler)
}

func TestNewTask_PanicsOnNilHandler(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected NewTask to panic on nil handler")
		}
	}()
	NewTask("demo.add", nil)
}

func TestTaskBuilder_Defaults(t *testing.T) {
	def := NewTask("demo.add", nopHandler).Definition()

	if def.Name != "demo.add" {
		t.Fatalf("expected name demo.add, got %q", def.Name)
	}
	if def.Handler == nil {
		t.Fatalf("expected handler to be set")
	}
	if def.Queue != "" {
		t.Fatalf("expected empty queue (worker default), got %q", def.Queue)
	}
	if def.Serializer != "" {
		t.Fatalf("expected empty serializer (json default), got %q", def.Serializer)
	}
	if def.Retry != nil {
		t.Fatalf("expected no retry policy by default")
	}
	if def.Ack != AckLate {
		t.Fatalf("expected AckLate by default, got %v", def.Ack)
	}
	if def.RateLimit != nil {
		t.Fatalf("expected no rate limit by default")
	}
	if def.IgnoreResult || def.TrackStarted || def.RequeueOnWorkerLost {
		t.Fatalf("expected all flags off by default")
	}
}

func TestTaskBuilder_ChainsAllOptions(t *testing.T) {
	def := NewTask("demo.add", nopHandler).
		Queue("math").
		Serializer("cbor").
		Retry(Retry(3).Policy()).
		TimeLimits(time.Second, 5*time.Second).
		Ack(AckEarly).
		RateLimit(10, time.Minute).
		RequeueOnWorkerLost().
		IgnoreResult().
		TrackStarted().
		Definition()

	if def.Queue != "math" {
		t.Fatalf("expected queue math, got %q", def.Queue)
	}
	if def.Serializer != "cbor" {
		t.Fatalf("expected serializer cbor, got %q", def.Serializer)
	}
	if def.Retry == nil || def.Retry.Max != 3 {
		t.Fatalf("expected retry budget 3, got %+v", def.Retry)
	}
	if def.Limits.Soft != time.Second || def.Limits.Hard != 5*time.Second {
		t.Fatalf("expected limits 1s/5s, got %+v", def.Limits)
	}
	if def.Ack != AckEarly {
		t.Fatalf("expected AckEarly, got %v", def.Ack)
	}
	if def.RateLimit == nil || def.RateLimit.Limit != 10 || def.RateLimit.Window != time.Minute {
		t.Fatalf("expected rate limit 10/1m, got %+v", def.RateLimit)
	}
	if !def.RequeueOnWorkerLost {
		t.Fatalf("expected RequeueOnWorkerLost set")
	}
	if !def.IgnoreResult {
		t.Fatalf("expected IgnoreResult set")
	}
	if !def.TrackStarted {
		t.Fatalf("expected TrackStarted set")
	}
}

// The builder must copy the policy, so later mutation of the caller's
// value cannot leak into the definition.
func TestTaskBuilder_RetryCopiesPolicy(t *testing.T) {
	policy := Retry(2).Policy()
	b := NewTask("demo.add", nopHandler).Retry(policy)

	policy.Max = 99
	if got := b.Definition().Retry.Max; got != 2 {
		t.Fatalf("expected retry budget 2 after caller mutation, got %d", got)
	}
}

func TestTaskBuilder_RegisterRejectsDuplicates(t *testing.T) {
	w, err := NewWorker(WorkerConfig{Broker: NewMemoryBroker(), Concurrency: 1})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}

	if err := NewTask("demo.add", nopHandler).Register(w); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err = NewTask("demo.add", nopHandler).Register(w)
	if err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if name, ok := api.IsDuplicateTask(err); !ok || name != "demo.add" {
		t.Fatalf("expected DuplicateTaskError for demo.add, got %v", err)
	}
}

func TestTaskBuilder_MustRegisterPanicsOnDuplicate(t *testing.T) {
	w, err := NewWorker(WorkerConfig{Broker: NewMemoryBroker(), Concurrency: 1})
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	NewTask("demo.add", nopHandler).MustRegister(w)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected MustRegister to panic on duplicate")
		}
	}()
	NewTask("demo.add", nopHandler).MustRegister(w)
}
