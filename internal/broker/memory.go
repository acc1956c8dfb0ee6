package broker

import (
	"container/heap"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/phietala/belt/pkg/api"
)

var errMemoryClosed = errors.New("memory broker is closed")

// memMessage is one enqueued envelope with its delivery bookkeeping.
type memMessage struct {
	body       []byte
	priority   int
	seq        uint64
	visibleAt  time.Time
	deliveries int
}

// readyHeap orders deliverable messages by priority (higher first), then
// arrival order.
type readyHeap []*memMessage

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(*memMessage)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}

// delayHeap orders not-yet-visible messages by when they become due.
type delayHeap []*memMessage

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if !h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].visibleAt.Before(h[j].visibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*memMessage)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	*h = old[:n-1]
	return m
}

// MemoryBroker is an in-process Broker for embedded workers and tests.
// It supports delayed delivery (message ETA), priority ordering and
// unacked tracking, all within a single process: deliveries lost to a
// crash die with the process that held them.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayHeap
	unacked map[string]*memMessage
	seq     uint64
	tagSeq  uint64
	closed  bool

	wake    chan struct{}
	nowFunc func() time.Time
}

var _ api.Broker = (*MemoryBroker)(nil)

// NewMemoryBroker returns an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		unacked: make(map[string]*memMessage),
		wake:    make(chan struct{}, 1),
		nowFunc: time.Now,
	}
}

func (b *MemoryBroker) now() time.Time { return b.nowFunc() }

func (b *MemoryBroker) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// promote moves due delayed messages into the ready heap. Callers hold
// b.mu.
func (b *MemoryBroker) promote(now time.Time) {
	for len(b.delayed) > 0 && !now.Before(b.delayed[0].visibleAt) {
		m := heap.Pop(&b.delayed).(*memMessage)
		heap.Push(&b.ready, m)
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg *api.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return api.BrokerUnavailable("publish", errMemoryClosed)
	}
	b.seq++
	m := &memMessage{
		body:      body,
		priority:  msg.Priority,
		seq:       b.seq,
		visibleAt: msg.ETA,
	}
	if m.visibleAt.After(b.now()) {
		heap.Push(&b.delayed, m)
	} else {
		heap.Push(&b.ready, m)
	}
	b.mu.Unlock()
	b.poke()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, timeout time.Duration) (*api.Delivery, error) {
	deadline := b.now().Add(timeout)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, api.BrokerUnavailable("receive", errMemoryClosed)
		}
		now := b.now()
		b.promote(now)
		if len(b.ready) > 0 {
			m := heap.Pop(&b.ready).(*memMessage)
			m.deliveries++
			b.tagSeq++
			tag := strconv.FormatUint(b.tagSeq, 10)
			b.unacked[tag] = m
			redelivered := m.deliveries > 1
			b.mu.Unlock()
			return &api.Delivery{Tag: tag, Body: m.body, Redelivered: redelivered}, nil
		}
		wait := deadline.Sub(now)
		if len(b.delayed) > 0 {
			if until := b.delayed[0].visibleAt.Sub(now); until < wait {
				wait = until
			}
		}
		b.mu.Unlock()

		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-b.wake:
			timer.Stop()
		}
	}
}

func (b *MemoryBroker) Ack(ctx context.Context, tag string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unacked, tag)
	return nil
}

func (b *MemoryBroker) Reject(ctx context.Context, tag string, requeue bool) error {
	b.mu.Lock()
	m, ok := b.unacked[tag]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.unacked, tag)
	if requeue {
		m.visibleAt = b.now().Add(redeliveryDelay)
		heap.Push(&b.delayed, m)
	}
	b.mu.Unlock()
	if requeue {
		b.poke()
	}
	return nil
}

// Close stops the broker. Pending and future Receive calls fail.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.poke()
	return nil
}

// Len reports how many messages are queued, ready or delayed. Unacked
// deliveries are not counted.
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.delayed)
}
