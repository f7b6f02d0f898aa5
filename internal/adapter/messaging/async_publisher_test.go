package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
)

type blockingPublisher struct {
	mu        sync.Mutex
	created   []string
	delivered []string
	release   chan struct{}
	err       error
}

func (p *blockingPublisher) wait() {
	if p.release != nil {
		<-p.release
	}
}

func (p *blockingPublisher) ReservationCreated(_ context.Context, r domain.Reservation) error {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, r.ID)
	return p.err
}

func (p *blockingPublisher) ReservationDelivered(_ context.Context, b domain.DeliveryBatch) error {
	p.wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, b.ReservationID)
	return p.err
}

func TestAsyncPublisher_DeliversQueuedEventsOnClose(t *testing.T) {
	next := &blockingPublisher{}
	p := NewAsyncPublisher(next, 3, 100, zap.NewNop())

	for i := 0; i < 20; i++ {
		if err := p.ReservationCreated(context.Background(), domain.Reservation{ID: "r"}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := p.ReservationDelivered(context.Background(), domain.DeliveryBatch{ReservationID: "r"}); err != nil {
		t.Fatalf("enqueue delivery: %v", err)
	}

	p.Close()

	if len(next.created) != 20 || len(next.delivered) != 1 {
		t.Errorf("expected 20 created and 1 delivered, got %d and %d", len(next.created), len(next.delivered))
	}
}

func TestAsyncPublisher_DropsWhenQueueFull(t *testing.T) {
	next := &blockingPublisher{release: make(chan struct{})}
	p := NewAsyncPublisher(next, 1, 1, zap.NewNop())

	// The single worker may or may not have taken the first event off the
	// queue yet, so at most three sends can succeed before one is dropped.
	var dropped bool
	for i := 0; i < 3; i++ {
		if err := p.ReservationCreated(context.Background(), domain.Reservation{ID: "r"}); errors.Is(err, ErrQueueFull) {
			dropped = true
		}
	}
	if !dropped {
		t.Error("expected an event to be dropped")
	}

	close(next.release)
	p.Close()
}

func TestAsyncPublisher_RejectsAfterClose(t *testing.T) {
	p := NewAsyncPublisher(&blockingPublisher{}, 1, 10, zap.NewNop())
	p.Close()
	p.Close()

	err := p.ReservationCreated(context.Background(), domain.Reservation{ID: "r"})
	if !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("expected ErrPublisherClosed, got %v", err)
	}
}

func TestAsyncPublisher_LogsPublishFailures(t *testing.T) {
	next := &blockingPublisher{err: errors.New("broker down")}
	p := NewAsyncPublisher(next, 1, 10, zap.NewNop())

	if err := p.ReservationCreated(context.Background(), domain.Reservation{ID: "r"}); err != nil {
		t.Fatalf("enqueue should not surface broker errors: %v", err)
	}
	p.Close()

	if len(next.created) != 1 {
		t.Errorf("expected the event to be attempted once, got %d", len(next.created))
	}
}
