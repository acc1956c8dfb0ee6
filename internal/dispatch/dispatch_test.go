package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phietala/belt/internal/pool"
	"github.com/phietala/belt/internal/registry"
	"github.com/phietala/belt/pkg/api"
)

const (
	waitLong = 10 * time.Second
	tick     = 10 * time.Millisecond
)

type fixture struct {
	t       *testing.T
	d       *Dispatcher
	broker  *fakeBroker
	backend *fakeBackend

	cancel   context.CancelFunc
	runC     chan error
	stopOnce sync.Once
	runErr   error
}

// startDispatcher wires a dispatcher over the fake broker and backend,
// with a real in-process pool unless cfgMod installs another.
func startDispatcher(t *testing.T, cfgMod func(*Config), defs ...api.TaskDefinition) *fixture {
	t.Helper()

	reg := registry.New()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}

	f := &fixture{
		t:       t,
		broker:  newFakeBroker(),
		backend: newFakeBackend(),
		runC:    make(chan error, 1),
	}

	cfg := Config{
		Registry:       reg,
		Broker:         f.broker,
		Backend:        f.backend,
		Queue:          "jobs",
		ReceiveTimeout: 50 * time.Millisecond,
		SweepInterval:  100 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
	}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	if cfg.Pool == nil {
		p, err := pool.New(pool.Config{
			Strategy:    api.StrategyGoroutine,
			Concurrency: 4,
			Registry:    reg,
		})
		require.NoError(t, err)
		cfg.Pool = p
	}

	d, err := New(cfg)
	require.NoError(t, err)
	f.d = d

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runC <- d.Run(ctx) }()
	t.Cleanup(func() { f.stop() })
	return f
}

func (f *fixture) stop() error {
	f.stopOnce.Do(func() {
		f.cancel()
		select {
		case f.runErr = <-f.runC:
		case <-time.After(15 * time.Second):
			f.t.Error("dispatcher did not stop")
		}
	})
	return f.runErr
}

func message(id, name string, payload []byte) *api.Message {
	return &api.Message{
		ID:       id,
		Name:     name,
		Payload:  payload,
		Queue:    "jobs",
		Enqueued: time.Now(),
	}
}

func TestDispatchSuccess(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.double",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			var n int
			if err := inv.Decode(&n); err != nil {
				return nil, err
			}
			return 2 * n, nil
		},
	})

	tag := f.broker.push(message("r1", "t.double", []byte(`21`)))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick, "success result never stored")

	m := f.backend.last("r1")
	require.JSONEq(t, `42`, string(m.Value))
	require.Equal(t, 1, f.broker.ackCount(tag), "late ack fires exactly once on completion")
}

func TestDispatchFailureStored(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.fail",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, errors.New("boom")
		},
	})

	tag := f.broker.push(message("r1", "t.fail", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultFailure
	}, waitLong, tick)

	m := f.backend.last("r1")
	require.Contains(t, m.Error.Message, "boom")
	require.Equal(t, 1, f.broker.ackCount(tag), "failures are acked, not redelivered")
}

func TestAckRetriesTransportFailure(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.ok",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return "done", nil
		},
	})

	f.broker.setAckFailures(1)
	tag := f.broker.push(message("r1", "t.ok", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick)

	require.Equal(t, 2, f.broker.ackCount(tag), "first ack fails, the retry lands")
	_, rejected := f.broker.rejectOf(tag)
	require.False(t, rejected, "a retried ack must not turn into a reject")
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.flaky",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			if inv.Retries < 2 {
				return nil, errors.New("transient")
			}
			return "recovered", nil
		},
		Retry: &api.RetryPolicy{Max: 5, Base: 20 * time.Millisecond, MaxDelay: 100 * time.Millisecond},
	})
	f.broker.setDeliverPublished(true)

	f.broker.push(message("r1", "t.flaky", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick, "retry chain never converged")

	m := f.backend.last("r1")
	require.Equal(t, 2, m.Retries, "success happened on the third attempt")
	require.Equal(t, 2, f.broker.publishedCount(), "each retry published one successor")

	states := f.backend.states("r1")
	require.Contains(t, states, api.ResultRetry)
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.hopeless",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, errors.New("always")
		},
		Retry: &api.RetryPolicy{Max: 1, Base: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	f.broker.setDeliverPublished(true)

	f.broker.push(message("r1", "t.hopeless", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultFailure
	}, waitLong, tick)

	states := f.backend.states("r1")
	require.Equal(t, []api.ResultState{api.ResultRetry, api.ResultFailure}, states,
		"one retry, then the budget is spent")
	require.Equal(t, 1, f.backend.last("r1").Retries)
}

func TestDispatchRetryPublishFailureRequeues(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.flaky",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, errors.New("transient")
		},
		Retry: &api.RetryPolicy{Max: 3, Base: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	})
	f.broker.setPublishErr(api.BrokerUnavailable("publish", errors.New("down")))

	tag := f.broker.push(message("r1", "t.flaky", nil))

	require.Eventually(t, func() bool {
		requeue, ok := f.broker.rejectOf(tag)
		return ok && requeue
	}, waitLong, tick, "original delivery should be requeued when the retry cannot be published")
	require.Zero(t, f.broker.ackCount(tag))
}

func TestDispatchETAParksUntilDue(t *testing.T) {
	var ranAt atomic.Int64
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.later",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			ranAt.Store(time.Now().UnixNano())
			return nil, nil
		},
	})

	eta := time.Now().Add(200 * time.Millisecond)
	msg := message("r1", "t.later", nil)
	msg.ETA = eta
	f.broker.push(msg)

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick)

	started := time.Unix(0, ranAt.Load())
	require.False(t, started.Before(eta.Add(-30*time.Millisecond)),
		"handler ran %s before its ETA", eta.Sub(started))
}

func TestDispatchExpiredNeverRuns(t *testing.T) {
	var runs atomic.Int64
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.stale",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			runs.Add(1)
			return nil, nil
		},
	})

	msg := message("r1", "t.stale", nil)
	msg.Expires = time.Now().Add(-time.Second)
	tag := f.broker.push(msg)

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultRevoked
	}, waitLong, tick)

	require.Equal(t, "expired", f.backend.last("r1").Error.Message)
	require.Equal(t, 1, f.broker.ackCount(tag), "expired deliveries are consumed, not requeued")
	require.Zero(t, runs.Load())
}

func TestDispatchRevokeBeforeDelivery(t *testing.T) {
	var runs atomic.Int64
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.victim",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			runs.Add(1)
			return nil, nil
		},
	})

	f.d.Revoke("r1")
	require.Eventually(t, func() bool {
		return f.d.Stats().Revoked == 1
	}, waitLong, tick, "revocation not applied")

	tag := f.broker.push(message("r1", "t.victim", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultRevoked
	}, waitLong, tick)
	require.Equal(t, 1, f.broker.ackCount(tag))
	require.Zero(t, runs.Load(), "a revoked id must never execute")
}

func TestDispatchRevokeInFlight(t *testing.T) {
	started := make(chan struct{})
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.slow",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	tag := f.broker.push(message("r1", "t.slow", nil))
	select {
	case <-started:
	case <-time.After(waitLong):
		t.Fatal("task never started")
	}

	f.d.Revoke("r1")

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultRevoked
	}, waitLong, tick, "in-flight revocation should end in a REVOKED result")
	require.Equal(t, 1, f.broker.ackCount(tag))
}

func TestDispatchUnknownTaskRejected(t *testing.T) {
	f := startDispatcher(t, nil)

	tag := f.broker.push(message("r1", "t.nobody", nil))

	require.Eventually(t, func() bool {
		requeue, ok := f.broker.rejectOf(tag)
		return ok && !requeue
	}, waitLong, tick, "unknown tasks are rejected without requeue")
	require.Nil(t, f.backend.last("r1"))
}

func TestDispatchMalformedRejected(t *testing.T) {
	f := startDispatcher(t, nil)

	tag := f.broker.pushRaw([]byte("not json at all"))

	require.Eventually(t, func() bool {
		requeue, ok := f.broker.rejectOf(tag)
		return ok && !requeue
	}, waitLong, tick)
}

func TestDispatchDuplicateLiveRequeued(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.once",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "done", nil
		},
	})

	f.broker.push(message("r1", "t.once", nil))
	select {
	case <-started:
	case <-time.After(waitLong):
		t.Fatal("first delivery never started")
	}

	dupTag := f.broker.push(message("r1", "t.once", nil))

	require.Eventually(t, func() bool {
		requeue, ok := f.broker.rejectOf(dupTag)
		return ok && requeue
	}, waitLong, tick, "a duplicate of a live id is pushed back, not executed")

	close(release)
	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick)
}

func TestDispatchEarlyAck(t *testing.T) {
	release := make(chan struct{})
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.early",
		Ack:  api.AckEarly,
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	tag := f.broker.push(message("r1", "t.early", nil))

	require.Eventually(t, func() bool {
		return f.broker.ackCount(tag) == 1
	}, waitLong, tick, "early ack should land while the handler is still running")

	close(release)
	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick)
	require.Equal(t, 1, f.broker.ackCount(tag), "completion must not ack a second time")
}

func TestDispatchRateLimitSpacesStarts(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name:      "t.capped",
		RateLimit: &api.Rate{Limit: 1, Window: 300 * time.Millisecond},
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil, nil
		},
	})

	f.broker.push(message("r1", "t.capped", nil))
	f.broker.push(message("r2", "t.capped", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(starts) == 2
	}, waitLong, tick)

	mu.Lock()
	gap := starts[1].Sub(starts[0])
	mu.Unlock()
	require.GreaterOrEqual(t, gap, 200*time.Millisecond,
		"second start must wait for the rate window, got %s", gap)
}

func TestDispatchTrackStarted(t *testing.T) {
	release := make(chan struct{})
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name:         "t.tracked",
		TrackStarted: true,
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	f.broker.push(message("r1", "t.tracked", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultStarted
	}, waitLong, tick, "STARTED should be stored at dispatch")

	close(release)
	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick)
}

func TestDispatchIgnoreResultStoresNothing(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name:         "t.silent",
		IgnoreResult: true,
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return "value", nil
		},
	})

	tag := f.broker.push(message("r1", "t.silent", nil))

	require.Eventually(t, func() bool {
		return f.broker.ackCount(tag) == 1
	}, waitLong, tick)
	require.Nil(t, f.backend.last("r1"), "ignored results must not reach the backend")
}

func TestDispatchWorkerLostRequeued(t *testing.T) {
	f := startDispatcher(t, func(c *Config) {
		c.Pool = &cannedPool{outcome: api.WorkerLostOutcome("slot died")}
	}, api.TaskDefinition{
		Name:                "t.lost",
		RequeueOnWorkerLost: true,
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, nil
		},
	})

	tag := f.broker.push(message("r1", "t.lost", nil))

	require.Eventually(t, func() bool {
		requeue, ok := f.broker.rejectOf(tag)
		return ok && requeue
	}, waitLong, tick, "a lost worker should push the message back for redelivery")
	require.Zero(t, f.broker.ackCount(tag))
	require.Nil(t, f.backend.last("r1"), "no terminal result while the attempt is still owed")
}

func TestDispatchWorkerLostFailsWithoutRequeue(t *testing.T) {
	f := startDispatcher(t, func(c *Config) {
		c.Pool = &cannedPool{outcome: api.WorkerLostOutcome("slot died")}
	}, api.TaskDefinition{
		Name: "t.lost",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, nil
		},
	})

	tag := f.broker.push(message("r1", "t.lost", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultFailure
	}, waitLong, tick)
	require.Equal(t, "WorkerLost", f.backend.last("r1").Error.Type)
	require.Equal(t, 1, f.broker.ackCount(tag))
}

func TestDispatchShutdownRequeuesWaiting(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.future",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return nil, nil
		},
	})

	msg := message("r1", "t.future", nil)
	msg.ETA = time.Now().Add(time.Hour)
	tag := f.broker.push(msg)

	require.Eventually(t, func() bool {
		return f.d.Stats().Live == 1
	}, waitLong, tick, "parked request should be tracked")

	require.NoError(t, f.stop())

	requeue, ok := f.broker.rejectOf(tag)
	require.True(t, ok, "undispatched delivery must be resolved at shutdown")
	require.True(t, requeue, "and pushed back for another consumer")
}

func TestDispatchBrokerOutageRecovers(t *testing.T) {
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.ok",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			return "fine", nil
		},
	})

	f.broker.setReceiveErr(api.BrokerUnavailable("receive", errors.New("connection refused")))
	time.Sleep(300 * time.Millisecond) // let the fetcher hit the outage and back off
	f.broker.setReceiveErr(nil)

	f.broker.push(message("r1", "t.ok", nil))

	require.Eventually(t, func() bool {
		m := f.backend.last("r1")
		return m != nil && m.State == api.ResultSuccess
	}, waitLong, tick, "consumption should resume once the broker is reachable again")
}

func TestDispatchStats(t *testing.T) {
	release := make(chan struct{})
	f := startDispatcher(t, nil, api.TaskDefinition{
		Name: "t.busy",
		Handler: func(ctx context.Context, inv *api.Invocation) (any, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil, nil
		},
	})

	f.broker.push(message("r1", "t.busy", nil))

	require.Eventually(t, func() bool {
		return f.d.Stats().InFlight == 1
	}, waitLong, tick)

	s := f.d.Stats()
	require.Equal(t, "jobs", s.Queue)
	require.Equal(t, 1, s.Live)
	require.Equal(t, 1, s.States["DISPATCHED"])
	require.Equal(t, 4, s.Pool.Slots)

	close(release)
	require.Eventually(t, func() bool {
		return f.d.Stats().Live == 0
	}, waitLong, tick)
}
