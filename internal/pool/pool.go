// Package pool implements the execution pool: the bounded set of slots
// that run task handlers on behalf of the dispatcher.
//
// Five strategies share one contract. Solo, goroutine and thread execute
// in-process; spawn runs cold-started child processes; fork is refused at
// start because the Go runtime cannot fork without exec. Whatever the
// strategy, Submit never blocks, every submitted request produces exactly
// one completion callback, and a slot lost mid-flight is reported as
// worker_lost and replaced.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phietala/belt/internal/registry"
	"github.com/phietala/belt/pkg/api"
	"github.com/phietala/belt/pkg/codec"
)

// DoneFunc receives the terminal outcome of a submitted request. It is
// called exactly once per successful Submit, from a pool goroutine, after
// Submit has returned.
type DoneFunc func(requestID string, out *api.Outcome)

// Pool is the strategy-independent execution contract the dispatcher
// drives.
type Pool interface {
	// Start brings up the slots. It fails with a PoolStartError when the
	// strategy is unavailable on this platform or slot provisioning
	// fails.
	Start(ctx context.Context) error

	// Submit hands req to a free slot without blocking. It returns
	// ErrPoolSaturated when every slot is busy and ErrPoolClosed after
	// Shutdown.
	Submit(req *api.Request, done DoneFunc) error

	// Terminate force-cancels the named request if it is executing.
	// The outcome still arrives through the DoneFunc. It reports whether
	// a running execution was found.
	Terminate(requestID string) bool

	// Shutdown stops intake, waits up to grace for in-flight work, then
	// forces the rest. It is idempotent.
	Shutdown(grace time.Duration) error

	// Stats returns a point-in-time view of the pool.
	Stats() Stats
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Strategy  api.Strategy
	Slots     int
	Busy      int
	Processed int64
}

// Config configures a pool. Registry is required; handlers, serializers
// and time limits are resolved through it at submit time.
type Config struct {
	Strategy    api.Strategy
	Concurrency int

	// MaxTasksPerChild recycles a slot after this many completions.
	// Zero means never.
	MaxTasksPerChild int

	// MaxMemoryPerChild recycles a spawn child whose resident set
	// exceeds this many bytes, checked after each completion. It has no
	// effect on in-process strategies, which share the parent heap.
	MaxMemoryPerChild int64

	Registry *registry.Registry
	Codecs   *codec.Registry
	Observer api.Observer
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Concurrency <= 0 {
		out.Concurrency = 1
	}
	if out.Strategy == "" {
		out.Strategy = api.StrategyGoroutine
	}
	if out.Codecs == nil {
		out.Codecs = codec.Default()
	}
	if out.Observer == nil {
		out.Observer = api.NoopObserver{}
	}
	return out
}

// New builds the pool for cfg.Strategy. Configuration problems surface
// here; platform availability surfaces at Start.
func New(cfg Config) (Pool, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("pool: registry is required")
	}
	c := cfg.withDefaults()
	switch c.Strategy {
	case api.StrategySolo:
		c.Concurrency = 1
		return newInprocPool(c, false), nil
	case api.StrategyGoroutine:
		return newInprocPool(c, false), nil
	case api.StrategyThread:
		return newInprocPool(c, true), nil
	case api.StrategySpawn:
		return newSpawnPool(c), nil
	case api.StrategyFork:
		return newForkPool(c), nil
	default:
		return nil, fmt.Errorf("pool: unknown strategy %q", c.Strategy)
	}
}

// job carries one accepted submission to a slot.
type job struct {
	req  *api.Request
	def  *api.TaskDefinition
	dec  api.DecodeFunc
	enc  func(any) ([]byte, error)
	soft time.Duration
	hard time.Duration
	done DoneFunc

	force     chan struct{} // closed by Terminate
	forceOnce sync.Once
}

func (j *job) forceClose() {
	j.forceOnce.Do(func() { close(j.force) })
}

// resolve turns a request into a job using the registry and codec set.
func resolve(cfg *Config, req *api.Request, done DoneFunc) (*job, error) {
	def, err := cfg.Registry.Lookup(req.Name)
	if err != nil {
		return nil, err
	}
	name := req.Serializer
	if name == "" {
		name = def.Serializer
	}
	c, err := cfg.Codecs.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &job{
		req:   req,
		def:   def,
		dec:   c.Unmarshal,
		enc:   c.Marshal,
		soft:  def.Limits.Soft,
		hard:  def.Limits.Hard,
		done:  done,
		force: make(chan struct{}),
	}, nil
}
