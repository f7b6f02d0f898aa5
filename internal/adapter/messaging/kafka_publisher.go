package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

const (
	EventReservationCreated   = "reservation.created"
	EventReservationDelivered = "reservation.delivered"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Event struct {
	Type          string      `json:"type"`
	ReservationID string      `json:"reservation_id"`
	PatientID     int64       `json:"patient_id"`
	DispenserID   int64       `json:"dispenser_id"`
	Items         []EventItem `json:"items"`
	TotalUnits    int         `json:"total_units"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

type EventItem struct {
	MedicineID int64 `json:"medicine_id"`
	Units      int   `json:"units"`
}

// KafkaPublisher emits one message per committed state change, keyed by
// reservation id so a reservation's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

var _ port.EventPublisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) ReservationCreated(ctx context.Context, r domain.Reservation) error {
	items := make([]EventItem, 0, len(r.Items))
	for _, item := range r.Items {
		items = append(items, EventItem{MedicineID: item.MedicineID, Units: item.Units})
	}
	expiresAt := r.ExpiresAt

	return p.publish(ctx, Event{
		Type:          EventReservationCreated,
		ReservationID: r.ID,
		PatientID:     r.PatientID,
		DispenserID:   r.DispenserID,
		Items:         items,
		TotalUnits:    r.TotalUnits(),
		ExpiresAt:     &expiresAt,
		OccurredAt:    r.CreatedAt,
	})
}

func (p *KafkaPublisher) ReservationDelivered(ctx context.Context, batch domain.DeliveryBatch) error {
	items := make([]EventItem, 0, len(batch.Deliveries))
	for _, d := range batch.Deliveries {
		items = append(items, EventItem{MedicineID: d.MedicineID, Units: d.Units})
	}

	return p.publish(ctx, Event{
		Type:          EventReservationDelivered,
		ReservationID: batch.ReservationID,
		PatientID:     batch.PatientID,
		DispenserID:   batch.DispenserID,
		Items:         items,
		TotalUnits:    batch.TotalUnits,
		OccurredAt:    batch.DeliveredAt,
	})
}

func (p *KafkaPublisher) publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(e.ReservationID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
