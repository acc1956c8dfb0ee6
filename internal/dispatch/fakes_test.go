package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phietala/belt/internal/pool"
	"github.com/phietala/belt/pkg/api"
)

// fakeBroker is an in-memory Broker double that records every ack,
// reject and publish. With deliverPublished set, published messages are
// fed back as fresh deliveries, which lets retry round trips run against
// the real loop.
type fakeBroker struct {
	mu        sync.Mutex
	queue     []*api.Delivery
	tagSeq    int
	acks      map[string]int
	rejects   map[string]bool // tag -> requeue flag
	published []*api.Message

	deliverPublished bool
	publishErr       error
	receiveErr       error
	ackFailures      int // fail this many Ack calls before succeeding

	wake chan struct{}
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		acks:    make(map[string]int),
		rejects: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

func (b *fakeBroker) push(msg *api.Message) string {
	body, err := msg.Encode()
	if err != nil {
		panic(err)
	}
	return b.pushRaw(body)
}

func (b *fakeBroker) pushRaw(body []byte) string {
	b.mu.Lock()
	b.tagSeq++
	tag := fmt.Sprintf("tag-%d", b.tagSeq)
	b.queue = append(b.queue, &api.Delivery{Tag: tag, Body: body})
	b.mu.Unlock()
	b.poke()
	return tag
}

func (b *fakeBroker) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *fakeBroker) Receive(ctx context.Context, timeout time.Duration) (*api.Delivery, error) {
	deadline := time.After(timeout)
	for {
		b.mu.Lock()
		if b.receiveErr != nil {
			err := b.receiveErr
			b.mu.Unlock()
			return nil, err
		}
		if len(b.queue) > 0 {
			d := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return d, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-b.wake:
		}
	}
}

func (b *fakeBroker) Ack(ctx context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag]++
	if b.ackFailures > 0 {
		b.ackFailures--
		return errors.New("ack transport error")
	}
	return nil
}

func (b *fakeBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[tag] = requeue
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, msg *api.Message) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published = append(b.published, msg)
	deliver := b.deliverPublished
	b.mu.Unlock()
	if deliver {
		b.push(msg)
	}
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) setDeliverPublished(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverPublished = v
}

func (b *fakeBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *fakeBroker) setReceiveErr(err error) {
	b.mu.Lock()
	b.receiveErr = err
	b.mu.Unlock()
	b.poke()
}

func (b *fakeBroker) setAckFailures(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackFailures = n
}

func (b *fakeBroker) ackCount(tag string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[tag]
}

func (b *fakeBroker) rejectOf(tag string) (requeue, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	requeue, ok = b.rejects[tag]
	return requeue, ok
}

func (b *fakeBroker) publishedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

// fakeBackend records the full StoreResult history per request id.
type fakeBackend struct {
	mu      sync.Mutex
	history map[string][]*api.ResultMeta
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[string][]*api.ResultMeta)}
}

func (s *fakeBackend) StoreResult(ctx context.Context, requestID string, res *api.ResultMeta) error {
	cp := *res
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[requestID] = append(s.history[requestID], &cp)
	return nil
}

func (s *fakeBackend) GetResult(ctx context.Context, requestID string) (*api.ResultMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[requestID]
	if len(h) == 0 {
		return nil, api.ErrResultNotFound
	}
	return h[len(h)-1], nil
}

func (s *fakeBackend) Close() error { return nil }

func (s *fakeBackend) last(requestID string) *api.ResultMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.history[requestID]
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1]
}

func (s *fakeBackend) states(requestID string) []api.ResultState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []api.ResultState
	for _, m := range s.history[requestID] {
		out = append(out, m.State)
	}
	return out
}

// cannedPool answers every submit with a fixed outcome from its own
// goroutine, standing in for slot deaths the in-process pool cannot
// produce on demand.
type cannedPool struct {
	outcome *api.Outcome

	mu        sync.Mutex
	submitted []string
}

func (p *cannedPool) Start(ctx context.Context) error { return nil }

func (p *cannedPool) Submit(req *api.Request, done pool.DoneFunc) error {
	p.mu.Lock()
	p.submitted = append(p.submitted, req.ID)
	p.mu.Unlock()
	out := p.outcome
	go done(req.ID, out)
	return nil
}

func (p *cannedPool) Terminate(requestID string) bool { return false }

func (p *cannedPool) Shutdown(grace time.Duration) error { return nil }

func (p *cannedPool) Stats() pool.Stats {
	return pool.Stats{Strategy: api.StrategyGoroutine, Slots: 4}
}
