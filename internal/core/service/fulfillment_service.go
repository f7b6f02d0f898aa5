package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

// FulfillmentService redeems pickup codes. The code alone identifies the
// claim, so each one is accepted at most once.
type FulfillmentService struct {
	store     port.Store
	publisher port.EventPublisher
	retries   int
	log       *zap.Logger
	opts      options
}

func NewFulfillmentService(store port.Store, publisher port.EventPublisher, maxTxRetries int, log *zap.Logger, opts ...Option) *FulfillmentService {
	if publisher == nil {
		publisher = port.NopPublisher{}
	}
	return &FulfillmentService{
		store:     store,
		publisher: publisher,
		retries:   maxTxRetries,
		log:       log,
		opts:      applyOptions(opts),
	}
}

func (s *FulfillmentService) Redeem(ctx context.Context, code string) (_ *domain.DeliveryBatch, err error) {
	ctx, span := tracer.Start(ctx, "FulfillmentService.Redeem")
	defer func() { endSpan(span, err) }()

	batch, err := s.redeem(ctx, NormalizeCode(code))

	units := 0
	if batch != nil {
		units = batch.TotalUnits
		span.SetAttributes(attribute.String("reservation.id", batch.ReservationID), attribute.Int("units", units))
	}
	s.opts.metrics.ObserveRedemption(resultLabel(err), units)
	return batch, err
}

func (s *FulfillmentService) redeem(ctx context.Context, code string) (*domain.DeliveryBatch, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}

	var batch domain.DeliveryBatch
	err := runTx(ctx, s.store, s.retries, "redeem", s.log, s.opts.metrics, func(ctx context.Context, tx port.Tx) error {
		b, err := s.redeemTx(ctx, tx, code)
		if err != nil {
			return err
		}
		batch = b
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			s.log.Error("redemption failed", zap.Error(err))
		}
		return nil, err
	}

	s.log.Info("reservation delivered",
		zap.String("reservation_id", batch.ReservationID),
		zap.Int64("patient_id", batch.PatientID),
		zap.Int64("dispenser_id", batch.DispenserID),
		zap.Int("items", len(batch.Deliveries)),
		zap.Int("units", batch.TotalUnits),
	)

	if pubErr := s.publisher.ReservationDelivered(ctx, batch); pubErr != nil {
		s.log.Warn("failed to publish delivery event", zap.String("reservation_id", batch.ReservationID), zap.Error(pubErr))
	}

	return &batch, nil
}

func (s *FulfillmentService) redeemTx(ctx context.Context, tx port.Tx, code string) (domain.DeliveryBatch, error) {
	now := s.opts.now()

	r, err := tx.LockReservationByCode(ctx, code)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("lock reservation: %w", err)
	}
	if r == nil {
		return domain.DeliveryBatch{}, domain.ErrReservationNotFound
	}

	switch {
	case r.Status == domain.ReservationStatusDelivered:
		return domain.DeliveryBatch{}, domain.ErrReservationAlreadyFulfilled
	case r.IsExpired(now):
		return domain.DeliveryBatch{}, domain.ErrReservationExpired
	case len(r.Items) == 0:
		return domain.DeliveryBatch{}, fmt.Errorf("reservation %s has no items", r.ID)
	}

	batch := domain.DeliveryBatch{
		ReservationID: r.ID,
		PatientID:     r.PatientID,
		DispenserID:   r.DispenserID,
		Deliveries:    make([]domain.Delivery, 0, len(r.Items)),
		DeliveredAt:   now,
	}

	// Stock for these items left the shelf count when the claim was made;
	// only the ledger and the delivery log change here.
	for _, item := range r.Items {
		ok, err := tx.AddUsedUnits(ctx, r.PatientID, item.MedicineID, item.Units)
		if err != nil {
			return domain.DeliveryBatch{}, fmt.Errorf("add used units: %w", err)
		}
		if !ok {
			return domain.DeliveryBatch{}, &domain.LineError{MedicineID: item.MedicineID, Err: domain.ErrInsufficientPendingBalance}
		}

		d := domain.Delivery{
			ID:            uuid.New().String(),
			ReservationID: r.ID,
			PatientID:     r.PatientID,
			DispenserID:   r.DispenserID,
			MedicineID:    item.MedicineID,
			Units:         item.Units,
			DeliveredAt:   now,
		}
		if err := tx.InsertDelivery(ctx, d); err != nil {
			return domain.DeliveryBatch{}, fmt.Errorf("insert delivery: %w", err)
		}

		batch.Deliveries = append(batch.Deliveries, d)
		batch.TotalUnits += item.Units
	}

	ok, err := tx.MarkDelivered(ctx, r.ID, now)
	if err != nil {
		return domain.DeliveryBatch{}, fmt.Errorf("mark delivered: %w", err)
	}
	if !ok {
		return domain.DeliveryBatch{}, domain.ErrTransactionConflict
	}

	return batch, nil
}
