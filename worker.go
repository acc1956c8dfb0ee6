package belt

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/phietala/belt/internal/dispatch"
	"github.com/phietala/belt/internal/pool"
	"github.com/phietala/belt/internal/registry"
	"github.com/phietala/belt/pkg/codec"
)

// WorkerConfig configures a Worker. Broker is required; everything else
// has a sensible default.
type WorkerConfig struct {
	// Broker is the message transport the worker consumes. Required.
	Broker Broker

	// Backend stores task results. Nil disables result tracking.
	Backend Backend

	// Queue names the consumed queue, for stats and logs; the broker is
	// constructed bound to its queue.
	Queue string

	// Strategy selects the execution pool model. The default is
	// StrategyGoroutine.
	Strategy Strategy

	// Concurrency is the pool slot count. The default is one slot per
	// CPU.
	Concurrency int

	// MaxTasksPerChild recycles a pool slot after this many
	// completions. Zero means never.
	MaxTasksPerChild int

	// MaxMemoryPerChild recycles a spawn child whose resident set
	// exceeds this many bytes. It has no effect on in-process
	// strategies.
	MaxMemoryPerChild int64

	// Prefetch bounds how many live requests the worker holds,
	// dispatched or waiting. Zero means four per slot.
	Prefetch int

	// ShutdownGrace is how long a stopping worker waits for in-flight
	// tasks before forcing them. The default is ten seconds.
	ShutdownGrace time.Duration

	// Codecs is the serializer registry used for argument payloads and
	// result values. Nil means the default set (json, cbor, gob).
	Codecs *codec.Registry

	// Observer receives task lifecycle callbacks. Nil means none.
	Observer Observer

	// Logger receives structured logs. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultWorkerConfig returns a WorkerConfig with the default queue,
// the goroutine strategy and one pool slot per CPU. Broker must still
// be set before use.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queue:         DefaultQueue,
		Strategy:      StrategyGoroutine,
		Concurrency:   runtime.NumCPU(),
		ShutdownGrace: 10 * time.Second,
	}
}

// Worker consumes one queue: it matches broker messages to registered
// task handlers, runs them on an execution pool and acknowledges,
// retries or rejects each delivery according to the task definition.
//
// Typical usage:
//
//	w, err := belt.NewWorker(belt.WorkerConfig{Broker: b, Backend: res})
//	belt.NewTask("demo.add", add).MustRegister(w)
//	w.MaybeRunSpawnChild()
//	err = w.Run(ctx)
//
// The worker does not own its broker or backend; the caller closes
// them after Run returns.
type Worker struct {
	cfg    WorkerConfig
	log    *slog.Logger
	reg    *registry.Registry
	codecs *codec.Registry
	pool   pool.Pool

	mu      sync.Mutex
	disp    *dispatch.Dispatcher
	pending []string
	running bool
}

// NewWorker validates cfg, fills in defaults and builds the execution
// pool. Unknown strategies fail here; platform availability surfaces
// when Run starts the pool.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Broker == nil {
		return nil, errors.New("belt: worker requires a broker")
	}
	def := DefaultWorkerConfig()
	if cfg.Queue == "" {
		cfg.Queue = def.Queue
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if cfg.Codecs == nil {
		cfg.Codecs = codec.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	reg := registry.New()
	p, err := pool.New(pool.Config{
		Strategy:          cfg.Strategy,
		Concurrency:       cfg.Concurrency,
		MaxTasksPerChild:  cfg.MaxTasksPerChild,
		MaxMemoryPerChild: cfg.MaxMemoryPerChild,
		Registry:          reg,
		Codecs:            cfg.Codecs,
		Observer:          cfg.Observer,
	})
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:    cfg,
		log:    cfg.Logger,
		reg:    reg,
		codecs: cfg.Codecs,
		pool:   p,
	}, nil
}

// Register adds a task definition. All tasks must be registered before
// Run starts consuming; the registry is frozen afterwards.
func (w *Worker) Register(def TaskDefinition) error {
	return w.reg.Register(def)
}

// MustRegister is like Register but panics on error.
func (w *Worker) MustRegister(def TaskDefinition) {
	if err := w.reg.Register(def); err != nil {
		panic(err)
	}
}

// Tasks returns the registered task names, sorted.
func (w *Worker) Tasks() []string {
	return w.reg.Names()
}

// Run starts the pool and consumes the queue until ctx is cancelled,
// then drains: undispatched requests are requeued and in-flight ones
// get the shutdown grace before being forced. Run can be called once.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("belt: worker already running")
	}
	d, err := dispatch.New(dispatch.Config{
		Registry:      w.reg,
		Pool:          w.pool,
		Broker:        w.cfg.Broker,
		Backend:       w.cfg.Backend,
		Observer:      w.cfg.Observer,
		Logger:        w.log,
		Queue:         w.cfg.Queue,
		Prefetch:      w.cfg.Prefetch,
		ShutdownGrace: w.cfg.ShutdownGrace,
	})
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.running = true
	w.disp = d
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	for _, id := range pending {
		d.Revoke(id)
	}
	return d.Run(ctx)
}

// Revoke marks a request id so it will not run: a waiting request is
// refused, an executing one is terminated, and an id never seen is
// remembered and refused on arrival. Revokes posted before Run are
// applied when consuming starts.
func (w *Worker) Revoke(requestID string) {
	w.mu.Lock()
	d := w.disp
	if d == nil {
		w.pending = append(w.pending, requestID)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	d.Revoke(requestID)
}

// WorkerStats is a point-in-time view of a worker.
type WorkerStats struct {
	// Queue is the consumed queue name.
	Queue string

	// Live counts requests between reception and their terminal state.
	Live int

	// InFlight counts requests currently executing on the pool.
	InFlight int

	// States maps request lifecycle state names to counts.
	States map[string]int

	// Revoked is the size of the remembered revocation set.
	Revoked int

	// Strategy, Slots, Busy and Processed describe the execution pool.
	Strategy  Strategy
	Slots     int
	Busy      int
	Processed int64
}

// Stats returns a snapshot of the worker. Before Run it reports pool
// configuration only; after the worker has stopped it returns the zero
// value.
func (w *Worker) Stats() WorkerStats {
	w.mu.Lock()
	d := w.disp
	w.mu.Unlock()

	if d == nil {
		ps := w.pool.Stats()
		return WorkerStats{
			Queue:    w.cfg.Queue,
			Strategy: ps.Strategy,
			Slots:    ps.Slots,
		}
	}

	s := d.Stats()
	return WorkerStats{
		Queue:     s.Queue,
		Live:      s.Live,
		InFlight:  s.InFlight,
		States:    s.States,
		Revoked:   s.Revoked,
		Strategy:  s.Pool.Strategy,
		Slots:     s.Pool.Slots,
		Busy:      s.Pool.Busy,
		Processed: s.Pool.Processed,
	}
}

// IsSpawnChild reports whether this process was re-executed as a
// spawn-pool child. Pool children are started with no arguments, so
// command-line programs check this before parsing flags.
func IsSpawnChild() bool {
	return pool.IsChild()
}

// MaybeRunSpawnChild hands the process over to the spawn-pool child
// loop when this binary was re-executed as a pool child, and returns
// immediately otherwise. Programs that use StrategySpawn must call it
// after registering tasks and before Run, so the re-executed binary
// serves tasks instead of starting another worker.
//
// In a child process it never returns: the child serves task frames on
// stdin/stdout until the parent closes the stream, then exits. Child
// stdout carries the frame protocol, so anything the process logs must
// go to stderr.
func (w *Worker) MaybeRunSpawnChild() {
	if !pool.IsChild() {
		return
	}
	if err := pool.RunChild(w.reg, w.codecs, os.Stdin, os.Stdout); err != nil {
		w.log.Error("spawn child terminated", slog.Any("error", err))
		os.Exit(1)
	}
	os.Exit(0)
}
