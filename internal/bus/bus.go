// Package bus provides bounded in-process message queues decoupling
// channel ingestion from pipeline processing. Capacity and overflow
// behavior are configuration-owned; a full queue never blocks a
// producer unless the queue's policy says so.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// OverflowPolicy decides what happens when a publish hits a full queue.
type OverflowPolicy string

const (
	// Block waits for space or caller cancellation.
	Block OverflowPolicy = "block"

	// DropNew rejects the incoming message.
	DropNew OverflowPolicy = "drop_new"

	// DropOldest evicts the oldest queued message to admit the new one.
	DropOldest OverflowPolicy = "drop_oldest"
)

// ErrDropped reports that a publish was rejected by the DropNew policy.
// Dropped messages are counted, never retried by the bus.
var ErrDropped = errors.New("bus: message dropped, queue full")

// ErrClosed reports a publish to a closed queue.
var ErrClosed = errors.New("bus: queue closed")

const DefaultCapacity = 256

// Config tunes one queue.
type Config struct {
	Capacity int
	Policy   OverflowPolicy
}

func (c Config) sanitized() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	switch c.Policy {
	case Block, DropNew, DropOldest:
	default:
		c.Policy = Block
	}
	return c
}

// Queue is a bounded FIFO of messages. Publishes from a single producer
// are delivered in publish order; eviction under DropOldest removes
// from the head so the newest messages survive.
type Queue struct {
	name    string
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics

	ch chan models.Message

	// done unblocks publishers waiting under the Block policy when the
	// queue closes.
	done chan struct{}

	// mu guards the closed transition and serializes publishes under
	// DropOldest so eviction plus insert is atomic with respect to
	// other producers.
	mu sync.Mutex

	// inflight tracks publishes that passed the closed check; Close
	// waits for them before closing the channel so a racing publish
	// fails with ErrClosed instead of panicking on a closed channel.
	inflight sync.WaitGroup

	dropped atomic.Int64
	closed  atomic.Bool
}

func NewQueue(name string, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if logger == nil {
		logger = observability.NopLogger()
	}
	cfg = cfg.sanitized()
	return &Queue{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		ch:      make(chan models.Message, cfg.Capacity),
		done:    make(chan struct{}),
	}
}

// Publish enqueues one message according to the queue's overflow
// policy. Block waits; DropNew returns ErrDropped on a full queue;
// DropOldest always admits the message, evicting the head if needed.
func (q *Queue) Publish(ctx context.Context, msg models.Message) error {
	q.mu.Lock()
	if q.closed.Load() {
		q.mu.Unlock()
		return ErrClosed
	}
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	switch q.cfg.Policy {
	case DropNew:
		select {
		case q.ch <- msg:
			q.gauge()
			return nil
		default:
			q.drop(ctx, msg)
			return ErrDropped
		}

	case DropOldest:
		q.mu.Lock()
		defer q.mu.Unlock()
		for {
			select {
			case q.ch <- msg:
				q.gauge()
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				q.drop(ctx, old)
			default:
			}
		}

	default: // Block
		select {
		case q.ch <- msg:
			q.gauge()
			return nil
		case <-q.done:
			return ErrClosed
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Consume returns the receive side of the queue. The channel closes
// after Close once drained by the runtime's close semantics.
func (q *Queue) Consume() <-chan models.Message {
	return q.ch
}

// Close marks the queue closed for publishing, waits for in-flight
// publishes to finish, and closes the channel. Publishes racing a
// close fail with ErrClosed; queued messages remain consumable.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed.CompareAndSwap(false, true) {
		q.mu.Unlock()
		return
	}
	close(q.done)
	q.mu.Unlock()

	q.inflight.Wait()
	close(q.ch)
}

// Dropped returns the count of messages discarded by overflow policy.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Depth returns the current number of queued messages.
func (q *Queue) Depth() int {
	return len(q.ch)
}

func (q *Queue) drop(ctx context.Context, msg models.Message) {
	q.dropped.Add(1)
	if q.metrics != nil {
		q.metrics.BusDropCounter.WithLabelValues(q.name, string(q.cfg.Policy)).Inc()
	}
	q.logger.Warn(ctx, "dropping message on full queue",
		"queue", q.name,
		"policy", string(q.cfg.Policy),
		"message_id", msg.ID,
		"dropped_total", q.dropped.Load())
	q.gauge()
}

func (q *Queue) gauge() {
	if q.metrics != nil {
		q.metrics.BusDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
	}
}
