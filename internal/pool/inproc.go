package pool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// inprocPool runs handlers inside the worker process. It backs the solo,
// goroutine and thread strategies; thread mode pins each running handler
// to its own OS thread.
type inprocPool struct {
	cfg         Config
	lockThreads bool

	mu      sync.Mutex
	started bool
	closed  bool
	running map[string]*job

	slots     chan struct{} // admission tokens, one per slot
	jobs      chan *job
	stopForce chan struct{} // closed when grace expires
	wg        sync.WaitGroup

	busy      atomic.Int64
	processed atomic.Int64
}

var _ Pool = (*inprocPool)(nil)

func newInprocPool(cfg Config, lockThreads bool) *inprocPool {
	return &inprocPool{
		cfg:         cfg,
		lockThreads: lockThreads,
		running:     make(map[string]*job),
		slots:       make(chan struct{}, cfg.Concurrency),
		jobs:        make(chan *job, cfg.Concurrency),
		stopForce:   make(chan struct{}),
	}
}

func (p *inprocPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.slots <- struct{}{}
		p.wg.Add(1)
		go p.worker()
	}
	return nil
}

func (p *inprocPool) Submit(req *api.Request, done DoneFunc) error {
	j, err := resolve(&p.cfg, req, done)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrPoolClosed
	}
	select {
	case <-p.slots:
	default:
		return api.ErrPoolSaturated
	}
	p.running[req.ID] = j
	// Guaranteed space: one admission token per buffer slot.
	p.jobs <- j
	return nil
}

func (p *inprocPool) Terminate(requestID string) bool {
	p.mu.Lock()
	j, ok := p.running[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.forceClose()
	return true
}

func (p *inprocPool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	if grace > 0 {
		select {
		case <-finished:
			return nil
		case <-time.After(grace):
		}
	}
	close(p.stopForce)
	<-finished
	return nil
}

func (p *inprocPool) Stats() Stats {
	strategy := p.cfg.Strategy
	return Stats{
		Strategy:  strategy,
		Slots:     p.cfg.Concurrency,
		Busy:      int(p.busy.Load()),
		Processed: p.processed.Load(),
	}
}

// worker serves jobs until the pool drains or its recycle threshold is
// reached, in which case it hands its slot to a fresh goroutine.
func (p *inprocPool) worker() {
	defer p.wg.Done()

	completed := 0
	for j := range p.jobs {
		p.busy.Add(1)
		out := p.execute(j)
		p.finish(j, out)
		p.busy.Add(-1)

		completed++
		if p.cfg.MaxTasksPerChild > 0 && completed >= p.cfg.MaxTasksPerChild {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

// execute runs one job under its limits. On a hard-limit hit or forced
// termination the handler goroutine is abandoned: its context is
// cancelled, its eventual return value is discarded, and the slot moves
// on.
func (p *inprocPool) execute(j *job) *api.Outcome {
	select {
	case <-j.force:
		return api.WorkerLostOutcome("terminated before execution")
	case <-p.stopForce:
		return api.WorkerLostOutcome("pool shutdown")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if j.soft > 0 {
		soft := time.AfterFunc(j.soft, cancel)
		defer soft.Stop()
	}

	resultCh := make(chan *api.Outcome, 1)
	lockThreads := p.lockThreads
	go func() {
		if lockThreads {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		resultCh <- runHandler(ctx, j)
	}()

	var hardCh <-chan time.Time
	if j.hard > 0 {
		hard := time.NewTimer(j.hard)
		defer hard.Stop()
		hardCh = hard.C
	}

	select {
	case out := <-resultCh:
		return out
	case <-hardCh:
		cancel()
		return api.TimeoutOutcome(j.hard)
	case <-j.force:
		cancel()
		return api.WorkerLostOutcome("terminated")
	case <-p.stopForce:
		cancel()
		return api.WorkerLostOutcome("pool shutdown")
	}
}

func (p *inprocPool) finish(j *job, out *api.Outcome) {
	p.mu.Lock()
	delete(p.running, j.req.ID)
	closed := p.closed
	p.mu.Unlock()

	p.processed.Add(1)
	if !closed {
		p.slots <- struct{}{}
	}
	j.done(j.req.ID, out)
}
