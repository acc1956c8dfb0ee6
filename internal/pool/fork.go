package pool

import (
	"context"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// forkPool is the copy-on-write process strategy. It can never start:
// forking a multithreaded Go runtime without exec is unsafe and
// unsupported, on every platform. The strategy exists so configurations
// ported from fork-based workers fail with a pointed error instead of
// silently running in-process; spawn is the working equivalent.
type forkPool struct {
	cfg Config
}

var _ Pool = (*forkPool)(nil)

func newForkPool(cfg Config) *forkPool {
	return &forkPool{cfg: cfg}
}

func (p *forkPool) Start(ctx context.Context) error {
	return &api.PoolStartError{
		Strategy: string(api.StrategyFork),
		Reason:   "the Go runtime cannot fork without exec; use the spawn strategy",
	}
}

func (p *forkPool) Submit(req *api.Request, done DoneFunc) error {
	return api.ErrPoolClosed
}

func (p *forkPool) Terminate(requestID string) bool { return false }

func (p *forkPool) Shutdown(grace time.Duration) error { return nil }

func (p *forkPool) Stats() Stats {
	return Stats{Strategy: api.StrategyFork, Slots: p.cfg.Concurrency}
}
