package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

var (
	ErrQueueFull       = errors.New("event queue full")
	ErrPublisherClosed = errors.New("event publisher closed")
)

const publishTimeout = 5 * time.Second

type job struct {
	kind string
	id   string
	run  func(ctx context.Context) error
}

// AsyncPublisher hands events to a pool of workers so request paths never
// wait on the broker. Events that do not fit in the queue are dropped.
type AsyncPublisher struct {
	next  port.EventPublisher
	queue chan job
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncPublisher(next port.EventPublisher, workers, queueSize int, log *zap.Logger) *AsyncPublisher {
	if workers < 1 {
		workers = 1
	}
	p := &AsyncPublisher{
		next:  next,
		queue: make(chan job, queueSize),
		log:   log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.workerLoop(id)
		}(i)
	}
	log.Info("event workers started", zap.Int("workers", workers), zap.Int("queue_size", queueSize))
	return p
}

func (p *AsyncPublisher) ReservationCreated(_ context.Context, r domain.Reservation) error {
	return p.enqueue(job{
		kind: EventReservationCreated,
		id:   r.ID,
		run:  func(ctx context.Context) error { return p.next.ReservationCreated(ctx, r) },
	})
}

func (p *AsyncPublisher) ReservationDelivered(_ context.Context, b domain.DeliveryBatch) error {
	return p.enqueue(job{
		kind: EventReservationDelivered,
		id:   b.ReservationID,
		run:  func(ctx context.Context) error { return p.next.ReservationDelivered(ctx, b) },
	})
}

func (p *AsyncPublisher) enqueue(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- j:
		return nil
	default:
		p.log.Warn("event dropped", zap.String("event_type", j.kind), zap.String("reservation_id", j.id))
		return ErrQueueFull
	}
}

func (p *AsyncPublisher) workerLoop(id int) {
	for j := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		if err := j.run(ctx); err != nil {
			p.log.Error("failed to publish event",
				zap.Int("worker", id),
				zap.String("event_type", j.kind),
				zap.String("reservation_id", j.id),
				zap.Error(err),
			)
		} else {
			p.log.Debug("event published",
				zap.Int("worker", id),
				zap.String("event_type", j.kind),
				zap.String("reservation_id", j.id),
			)
		}

		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (p *AsyncPublisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
