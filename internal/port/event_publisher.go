package port

import (
	"context"

	"github.com/rl1809/medistock/internal/core/domain"
)

// EventPublisher notifies downstream consumers (document rendering, analytics)
// of committed state changes. Publishing happens after commit and is best effort.
type EventPublisher interface {
	ReservationCreated(ctx context.Context, r domain.Reservation) error
	ReservationDelivered(ctx context.Context, batch domain.DeliveryBatch) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) ReservationCreated(context.Context, domain.Reservation) error { return nil }

func (NopPublisher) ReservationDelivered(context.Context, domain.DeliveryBatch) error { return nil }
