// Package dispatch implements the consumer loop: the single goroutine
// that receives deliveries from the broker, walks each request through
// its lifecycle and drives the execution pool.
//
// All mutable dispatch state (the request table, the revoked set, the
// wakeup schedule, the ready queue) is owned by that one goroutine.
// Deliveries, pool outcomes and control calls arrive as events on
// channels; nothing else touches the state, so none of it is locked.
//
// A request moves RECEIVED -> ELIGIBLE -> DISPATCHED and ends ACKED,
// RETRY_SCHEDULED or REJECTED. Acknowledgement policy, retry policy,
// time limits and rate limits all come from the task definition.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/phietala/belt/internal/gate"
	"github.com/phietala/belt/internal/pool"
	"github.com/phietala/belt/internal/registry"
	"github.com/phietala/belt/internal/track"
	"github.com/phietala/belt/pkg/api"
)

const (
	// hardLimitGrace is how long the sweep waits past a hard deadline
	// before force-terminating; the pool's own timer fires first in the
	// normal case.
	hardLimitGrace = 2 * time.Second

	// drainSlack bounds how long the drain waits for outcomes beyond the
	// configured shutdown grace.
	drainSlack = 5 * time.Second

	// resubmitDelay is the retry pause after the pool refuses a submit
	// the slot accounting said would fit, which happens while a spawn
	// slot recycles.
	resubmitDelay = 50 * time.Millisecond

	fetchBackoffMin = 200 * time.Millisecond
	fetchBackoffMax = 5 * time.Second
)

// Config configures a Dispatcher. Registry, Pool and Broker are
// required.
type Config struct {
	Registry *registry.Registry
	Pool     pool.Pool
	Broker   api.Broker

	// Backend stores request results. Nil disables result tracking.
	Backend api.Backend

	Observer api.Observer
	Logger   *slog.Logger

	// Queue names the consumed queue, for stats and logs only; the
	// broker was constructed with its queue bindings.
	Queue string

	// Prefetch bounds how many live requests the dispatcher holds,
	// dispatched or waiting. Zero means four per pool slot.
	Prefetch int

	// ReceiveTimeout is the broker poll timeout. Default one second.
	ReceiveTimeout time.Duration

	// SweepInterval is the cadence of the housekeeping pass that
	// force-terminates overdue hard limits. Default one second.
	SweepInterval time.Duration

	// OpTimeout bounds individual broker and backend calls. Default five
	// seconds.
	OpTimeout time.Duration

	// ShutdownGrace is how long a stopping dispatcher waits for in-flight
	// tasks before forcing them. Default ten seconds.
	ShutdownGrace time.Duration

	// RevokedCapacity bounds the remembered revoked ids. Zero means
	// track.DefaultRevokedCap.
	RevokedCapacity int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ReceiveTimeout <= 0 {
		out.ReceiveTimeout = time.Second
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = time.Second
	}
	if out.OpTimeout <= 0 {
		out.OpTimeout = 5 * time.Second
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 10 * time.Second
	}
	if out.Observer == nil {
		out.Observer = api.NoopObserver{}
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Queue    string
	Live     int
	InFlight int
	States   map[string]int
	Revoked  int
	Pool     pool.Stats
}

type outcomeEvent struct {
	id  string
	out *api.Outcome
}

// Dispatcher consumes one queue and drives one pool.
type Dispatcher struct {
	cfg  Config
	log  *slog.Logger
	obs  api.Observer
	reg  *registry.Registry
	pool pool.Pool

	broker  api.Broker
	backend api.Backend

	// Loop-owned state. Only the Run goroutine touches these.
	table    *track.Table
	revoked  *track.RevokedSet
	gate     *gate.Limiter
	sched    *schedule
	ready    []string
	inFlight int
	slots    int

	deliveries chan *api.Delivery
	outcomes   chan outcomeEvent
	control    chan func()
	permits    chan struct{}

	running atomic.Bool
	done    chan struct{}

	obsCtx  context.Context
	nowFunc func() time.Time
}

// New builds a Dispatcher. Rate limits are loaded from the registry's
// definitions; registration is frozen when Run starts.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatch: registry is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("dispatch: pool is required")
	}
	if cfg.Broker == nil {
		return nil, errors.New("dispatch: broker is required")
	}
	c := cfg.withDefaults()

	d := &Dispatcher{
		cfg:        c,
		log:        c.Logger,
		obs:        c.Observer,
		reg:        c.Registry,
		pool:       c.Pool,
		broker:     c.Broker,
		backend:    c.Backend,
		table:      track.New(),
		revoked:    track.NewRevokedSet(c.RevokedCapacity),
		gate:       gate.New(),
		sched:      newSchedule(),
		deliveries: make(chan *api.Delivery, 1),
		outcomes:   make(chan outcomeEvent, 64),
		control:    make(chan func(), 64),
		done:       make(chan struct{}),
		obsCtx:     context.Background(),
		nowFunc:    time.Now,
	}
	for _, name := range c.Registry.Names() {
		def, err := c.Registry.Lookup(name)
		if err != nil {
			continue
		}
		if def.RateLimit != nil {
			d.gate.SetRate(name, def.RateLimit.Limit, def.RateLimit.Window)
		}
	}
	return d, nil
}

// Run starts the pool and consumes until ctx is cancelled, then drains:
// undispatched requests are requeued, in-flight ones get the shutdown
// grace before the pool forces them. Run can be called once.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: already running")
	}
	defer close(d.done)

	d.reg.Freeze()
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	d.slots = d.pool.Stats().Slots
	prefetch := d.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 4 * d.slots
	}
	d.permits = make(chan struct{}, prefetch)
	for i := 0; i < prefetch; i++ {
		d.permits <- struct{}{}
	}

	fctx, cancelFetch := context.WithCancel(context.Background())
	defer cancelFetch()
	go d.fetch(fctx)

	d.log.Info("dispatcher started",
		slog.String("queue", d.cfg.Queue),
		slog.String("strategy", string(d.pool.Stats().Strategy)),
		slog.Int("slots", d.slots),
		slog.Int("prefetch", prefetch),
	)

	timer := time.NewTimer(d.cfg.SweepInterval)
	defer timer.Stop()
	nextSweep := d.now().Add(d.cfg.SweepInterval)

	for {
		d.rearm(timer, nextSweep)
		select {
		case <-ctx.Done():
			cancelFetch()
			d.drain()
			d.log.Info("dispatcher stopped", slog.String("queue", d.cfg.Queue))
			return nil
		case del := <-d.deliveries:
			d.handleDelivery(del)
		case ev := <-d.outcomes:
			d.handleOutcome(ev)
		case fn := <-d.control:
			fn()
		case <-timer.C:
			now := d.now()
			d.wake(now)
			d.sweep(now)
			nextSweep = now.Add(d.cfg.SweepInterval)
		}
		d.pump()
	}
}

// Revoke marks a request id so it will not run: a waiting request is
// refused, an executing one is terminated, and an id never seen is
// remembered and refused on arrival.
//
// Revoke may be called from any goroutine. It is a no-op after the
// dispatcher has stopped.
func (d *Dispatcher) Revoke(id string) {
	d.post(func() { d.applyRevoke(id) })
}

// Stats returns a snapshot. It blocks until the loop serves it and
// returns the zero value after the dispatcher has stopped.
func (d *Dispatcher) Stats() Stats {
	reply := make(chan Stats, 1)
	if !d.post(func() { reply <- d.snapshot() }) {
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-d.done:
		return Stats{}
	}
}

// post queues fn for the loop goroutine.
func (d *Dispatcher) post(fn func()) bool {
	select {
	case d.control <- fn:
		return true
	case <-d.done:
		return false
	}
}

func (d *Dispatcher) now() time.Time { return d.nowFunc() }

func (d *Dispatcher) snapshot() Stats {
	counts := d.table.CountByState()
	states := make(map[string]int, len(counts))
	for state, n := range counts {
		states[state.String()] = n
	}
	return Stats{
		Queue:    d.cfg.Queue,
		Live:     d.table.Len(),
		InFlight: d.inFlight,
		States:   states,
		Revoked:  d.revoked.Len(),
		Pool:     d.pool.Stats(),
	}
}

// rearm points the loop timer at the earliest scheduled work: the next
// wakeup, the next hard-limit backstop or the next sweep.
func (d *Dispatcher) rearm(t *time.Timer, nextSweep time.Time) {
	next := nextSweep
	if at, ok := d.sched.next(); ok && at.Before(next) {
		next = at
	}
	if at, ok := d.table.NextHardDeadline(); ok {
		at = at.Add(hardLimitGrace)
		if at.Before(next) {
			next = at
		}
	}
	delay := next.Sub(d.now())
	if delay < 0 {
		delay = 0
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(delay)
}

// completed is the DoneFunc handed to the pool. It runs on a pool
// goroutine and reposts the outcome into the loop.
func (d *Dispatcher) completed(id string, out *api.Outcome) {
	select {
	case d.outcomes <- outcomeEvent{id: id, out: out}:
	case <-d.done:
	}
}

// fetch pulls deliveries from the broker, one per admission permit, and
// backs off while the broker is unavailable.
func (d *Dispatcher) fetch(ctx context.Context) {
	backoff := fetchBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.permits:
		}

		for {
			del, err := d.broker.Receive(ctx, d.cfg.ReceiveTimeout)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				d.log.Warn("broker receive failed",
					slog.String("queue", d.cfg.Queue),
					slog.Any("error", err),
					slog.Duration("backoff", backoff),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > fetchBackoffMax {
					backoff = fetchBackoffMax
				}
				continue
			}
			backoff = fetchBackoffMin
			if del == nil {
				continue
			}
			select {
			case d.deliveries <- del:
			case <-ctx.Done():
				return
			}
			break
		}
	}
}

// releasePermit returns one admission permit to the fetcher.
func (d *Dispatcher) releasePermit() {
	select {
	case d.permits <- struct{}{}:
	default:
	}
}
