package events

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrPublisherClosed = errors.New("event publisher closed")

type AsyncConfig struct {
	// Buffer is the queue length per worker. Defaults to 128.
	Buffer int
	// Concurrency is the number of delivery workers. Defaults to 4.
	Concurrency int
	// Timeout bounds the delivery of one event to the wrapped publisher. Defaults to 30s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// AsyncPublisher hands events to a pool of workers so that committing a transition
// never waits on brokers, object storage or mail servers. Events of one post always
// go to the same worker and keep their order.
type AsyncPublisher struct {
	next    Publisher
	timeout time.Duration
	logger  *slog.Logger
	queues  []chan TransitionEvent
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsyncPublisher(next Publisher, cfg AsyncConfig) *AsyncPublisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &AsyncPublisher{
		next:    next,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "events"),
		queues:  make([]chan TransitionEvent, cfg.Concurrency),
	}
	for i := range p.queues {
		p.queues[i] = make(chan TransitionEvent, cfg.Buffer)
		p.wg.Add(1)
		go p.deliver(p.queues[i])
	}
	return p
}

// Publish enqueues ev. It only blocks while the worker's queue is full.
func (p *AsyncPublisher) Publish(ctx context.Context, ev TransitionEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	q := p.queues[binary.BigEndian.Uint32(ev.PostID[:4])%uint32(len(p.queues))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue transition event: %w", ctx.Err())
	}
}

func (p *AsyncPublisher) deliver(q <-chan TransitionEvent) {
	defer p.wg.Done()
	for ev := range q {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.next.Publish(ctx, ev); err != nil {
			p.logger.Warn("deliver transition event", "post_id", ev.PostID, "to", ev.To, "event_id", ev.ID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until the queued ones are delivered.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}
