package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phietala/belt/pkg/api"
)

// spawnStartTimeout bounds how long a freshly started child may take to
// send its hello frame.
const spawnStartTimeout = 10 * time.Second

// spawnPool runs each slot as a cold-started child process: the worker
// binary re-executed with ChildEnv set, speaking the frame protocol over
// its pipes. Children share nothing with the parent, which is the point;
// it is the portable stand-in for fork on every platform Go supports.
type spawnPool struct {
	cfg Config

	mu      sync.Mutex
	started bool
	closed  bool
	running map[string]*job

	slots   []*spawnSlot
	idle    chan *spawnSlot
	stopAll chan struct{}
	wg      sync.WaitGroup

	busy      atomic.Int64
	processed atomic.Int64
}

var _ Pool = (*spawnPool)(nil)

func newSpawnPool(cfg Config) *spawnPool {
	return &spawnPool{
		cfg:     cfg,
		running: make(map[string]*job),
		idle:    make(chan *spawnSlot, cfg.Concurrency),
		stopAll: make(chan struct{}),
	}
}

func (p *spawnPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	for i := 0; i < p.cfg.Concurrency; i++ {
		s := &spawnSlot{
			id:   i,
			pool: p,
			jobs: make(chan *job, 1),
		}
		if err := s.startChild(ctx); err != nil {
			for _, prev := range p.slots {
				prev.killChild(true)
			}
			p.slots = nil
			return &api.PoolStartError{
				Strategy: string(api.StrategySpawn),
				Reason:   fmt.Sprintf("starting worker process %d", i),
				Err:      err,
			}
		}
		p.slots = append(p.slots, s)
	}

	p.started = true
	for _, s := range p.slots {
		p.idle <- s
		p.wg.Add(1)
		go s.run()
	}
	return nil
}

func (p *spawnPool) Submit(req *api.Request, done DoneFunc) error {
	j, err := resolve(&p.cfg, req, done)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return api.ErrPoolClosed
	}
	var s *spawnSlot
	select {
	case s = <-p.idle:
	default:
		return api.ErrPoolSaturated
	}
	p.running[req.ID] = j
	// Guaranteed space: the slot was idle, so its buffer is empty.
	s.jobs <- j
	return nil
}

func (p *spawnPool) Terminate(requestID string) bool {
	p.mu.Lock()
	j, ok := p.running[requestID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	j.forceClose()
	return true
}

func (p *spawnPool) Shutdown(grace time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return nil
	}
	p.closed = true
	for _, s := range p.slots {
		close(s.jobs)
	}
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
	close(p.stopAll)
	<-finished
	return nil
}

func (p *spawnPool) Stats() Stats {
	return Stats{
		Strategy:  api.StrategySpawn,
		Slots:     p.cfg.Concurrency,
		Busy:      int(p.busy.Load()),
		Processed: p.processed.Load(),
	}
}

func (p *spawnPool) completeJob(j *job, out *api.Outcome) {
	p.mu.Lock()
	delete(p.running, j.req.ID)
	p.mu.Unlock()
	p.processed.Add(1)
	j.done(j.req.ID, out)
}

// spawnSlot owns one child process. All child state is confined to the
// slot's runner goroutine once the pool has started.
type spawnSlot struct {
	id   int
	pool *spawnPool
	jobs chan *job

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    *bufio.Reader
	exited chan struct{}

	completions  int
	dead         bool
	deadExpected bool
}

func (s *spawnSlot) run() {
	defer s.pool.wg.Done()
	defer s.failPending()
	for {
		select {
		case j, ok := <-s.jobs:
			if !ok {
				s.stopChild()
				return
			}
			s.pool.busy.Add(1)
			out := s.execute(j)
			s.pool.completeJob(j, out)
			s.pool.busy.Add(-1)
			if !s.afterTask() {
				return
			}
			s.pool.idle <- s
		case <-s.exited:
			s.pool.cfg.Observer.OnPoolSlotDown(context.Background(), s.id,
				"worker process exited while idle")
			if !s.respawn() {
				return
			}
		case <-s.pool.stopAll:
			s.stopChild()
			return
		}
	}
}

// failPending resolves a job that was handed to this slot but never
// picked up before the slot retired. The submit already succeeded, so
// its completion callback is still owed.
func (s *spawnSlot) failPending() {
	for {
		select {
		case j, ok := <-s.jobs:
			if !ok {
				return
			}
			s.pool.completeJob(j, api.WorkerLostOutcome("pool shutdown"))
		default:
			return
		}
	}
}

// execute runs one job on the child. Every kill path marks the child
// dead so afterTask replaces it before the slot goes idle again.
func (s *spawnSlot) execute(j *job) *api.Outcome {
	select {
	case <-j.force:
		return api.WorkerLostOutcome("terminated before execution")
	case <-s.pool.stopAll:
		return api.WorkerLostOutcome("pool shutdown")
	default:
	}

	if err := writeFrame(s.stdin, taskFrame(j)); err != nil {
		s.dead = true
		return api.WorkerLostOutcome("failed to hand task to worker process: " + err.Error())
	}

	resCh := make(chan *childResult, 1)
	readErr := make(chan error, 1)
	go func() {
		var r childResult
		if err := readFrame(s.out, &r); err != nil {
			readErr <- err
			return
		}
		resCh <- &r
	}()

	var hardCh <-chan time.Time
	if j.hard > 0 {
		hard := time.NewTimer(j.hard)
		defer hard.Stop()
		hardCh = hard.C
	}

	select {
	case r := <-resCh:
		if r.ID != j.req.ID || r.Outcome == nil {
			s.killChild(false)
			return api.WorkerLostOutcome("worker process broke protocol")
		}
		return r.Outcome
	case err := <-readErr:
		s.dead = true
		return api.WorkerLostOutcome("worker process died: " + err.Error())
	case <-hardCh:
		s.killChild(true)
		return api.TimeoutOutcome(j.hard)
	case <-j.force:
		s.killChild(true)
		return api.WorkerLostOutcome("terminated")
	case <-s.pool.stopAll:
		s.killChild(true)
		return api.WorkerLostOutcome("pool shutdown")
	}
}

// afterTask replaces the child when it died or hit a recycle threshold.
// It reports false when the pool is stopping and the slot should retire.
func (s *spawnSlot) afterTask() bool {
	if s.dead {
		if !s.deadExpected {
			s.pool.cfg.Observer.OnPoolSlotDown(context.Background(), s.id, "worker process lost")
		}
		return s.respawn()
	}

	s.completions++
	if max := s.pool.cfg.MaxTasksPerChild; max > 0 && s.completions >= max {
		s.stopChild()
		return s.respawn()
	}
	if limit := s.pool.cfg.MaxMemoryPerChild; limit > 0 {
		if rss := residentSetBytes(s.cmd.Process.Pid); rss > limit {
			s.stopChild()
			return s.respawn()
		}
	}
	return true
}

// startChild launches a fresh child and waits for its hello frame.
func (s *spawnSlot) startChild(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		ChildEnv+"=1",
		fmt.Sprintf("%s=%d", childSlotEnv, s.id),
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	br := bufio.NewReader(stdout)
	helloErr := make(chan error, 1)
	go func() {
		var hello childHello
		helloErr <- readFrame(br, &hello)
	}()

	select {
	case err := <-helloErr:
		if err != nil {
			cmd.Process.Kill()
			<-exited
			return fmt.Errorf("worker process handshake: %w", err)
		}
	case <-time.After(spawnStartTimeout):
		cmd.Process.Kill()
		<-exited
		return fmt.Errorf("worker process handshake timed out after %s", spawnStartTimeout)
	case <-ctx.Done():
		cmd.Process.Kill()
		<-exited
		return ctx.Err()
	}

	s.cmd = cmd
	s.stdin = stdin
	s.out = br
	s.exited = exited
	s.completions = 0
	s.dead = false
	s.deadExpected = false
	return nil
}

// stopChild asks the child to exit by closing its task stream, escalating
// to a kill if it lingers.
func (s *spawnSlot) stopChild() {
	if s.cmd == nil || s.dead {
		return
	}
	s.stdin.Close()
	select {
	case <-s.exited:
	case <-time.After(2 * time.Second):
		s.cmd.Process.Kill()
		<-s.exited
	}
	s.dead = true
	s.deadExpected = true
}

// killChild force-kills the child and waits for it to be reaped.
func (s *spawnSlot) killChild(expected bool) {
	if s.cmd == nil || s.dead {
		return
	}
	s.cmd.Process.Kill()
	<-s.exited
	s.dead = true
	s.deadExpected = expected
}

// respawn replaces a dead child, retrying with backoff until it succeeds
// or the pool stops. It reports false when aborted by shutdown.
func (s *spawnSlot) respawn() bool {
	backoff := 500 * time.Millisecond
	for {
		select {
		case <-s.pool.stopAll:
			return false
		default:
		}
		err := s.startChild(context.Background())
		if err == nil {
			return true
		}
		s.pool.cfg.Observer.OnPoolSlotDown(context.Background(), s.id,
			"worker process restart failed: "+err.Error())
		select {
		case <-s.pool.stopAll:
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 10*time.Second {
			backoff = 10 * time.Second
		}
	}
}
