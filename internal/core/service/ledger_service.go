package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

// LedgerService answers "how many units may this patient still receive" and
// repairs used-unit counters from the delivery log.
type LedgerService struct {
	store port.Store
	log   *zap.Logger
	opts  options
}

func NewLedgerService(store port.Store, log *zap.Logger, opts ...Option) *LedgerService {
	return &LedgerService{store: store, log: log, opts: applyOptions(opts)}
}

// PendingUnits is zero when the patient has no prescription for the medicine.
func (s *LedgerService) PendingUnits(ctx context.Context, patientID, medicineID int64) (int, error) {
	rx, err := s.store.GetPrescription(ctx, patientID, medicineID)
	if err != nil {
		return 0, fmt.Errorf("get prescription: %w", err)
	}
	if rx == nil {
		return 0, nil
	}
	return rx.Pending(), nil
}

func (s *LedgerService) PendingBalances(ctx context.Context, patientID int64) ([]domain.Balance, error) {
	prescriptions, err := s.store.ListPrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}

	reserved, err := s.store.ReservedUnitsByMedicine(ctx, patientID, s.opts.now())
	if err != nil {
		return nil, fmt.Errorf("sum reserved units: %w", err)
	}

	balances := make([]domain.Balance, 0, len(prescriptions))
	for _, rx := range prescriptions {
		balances = append(balances, domain.NewBalance(rx, reserved[rx.MedicineID]))
	}
	return balances, nil
}

// RecomputeUsed rewrites used units from the sum of recorded deliveries.
// Running it repeatedly yields the same value.
func (s *LedgerService) RecomputeUsed(ctx context.Context, patientID, medicineID int64) (_ *domain.Prescription, err error) {
	ctx, span := tracer.Start(ctx, "LedgerService.RecomputeUsed", trace.WithAttributes(
		attribute.Int64("patient.id", patientID),
		attribute.Int64("medicine.id", medicineID),
	))
	defer func() { endSpan(span, err) }()

	var result domain.Prescription
	var corrected bool
	var previous int

	err = runTx(ctx, s.store, 0, "recompute", s.log, s.opts.metrics, func(ctx context.Context, tx port.Tx) error {
		corrected = false

		rx, err := tx.LockPrescription(ctx, patientID, medicineID)
		if err != nil {
			return fmt.Errorf("lock prescription: %w", err)
		}
		if rx == nil {
			return domain.ErrPrescriptionNotFound
		}

		delivered, err := tx.DeliveredUnits(ctx, patientID, medicineID)
		if err != nil {
			return fmt.Errorf("sum deliveries: %w", err)
		}
		if delivered > rx.MaxUnits {
			return fmt.Errorf("%w: delivered %d, prescribed %d", domain.ErrLedgerInconsistent, delivered, rx.MaxUnits)
		}

		if delivered != rx.UsedUnits {
			if err := tx.SetUsedUnits(ctx, patientID, medicineID, delivered); err != nil {
				return fmt.Errorf("set used units: %w", err)
			}
			previous = rx.UsedUnits
			rx.UsedUnits = delivered
			corrected = true
		}

		result = *rx
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			s.log.Error("ledger reconciliation failed",
				zap.Int64("patient_id", patientID),
				zap.Int64("medicine_id", medicineID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	if corrected {
		s.opts.metrics.ObserveLedgerCorrection()
		s.log.Warn("ledger corrected from delivery history",
			zap.Int64("patient_id", patientID),
			zap.Int64("medicine_id", medicineID),
			zap.Int("previous_used", previous),
			zap.Int("used", result.UsedUnits),
		)
	}
	return &result, nil
}

// RecomputeAll reconciles every prescription of the patient and returns the
// refreshed balances.
func (s *LedgerService) RecomputeAll(ctx context.Context, patientID int64) ([]domain.Balance, error) {
	prescriptions, err := s.store.ListPrescriptions(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}

	for _, rx := range prescriptions {
		if _, err := s.RecomputeUsed(ctx, patientID, rx.MedicineID); err != nil {
			return nil, err
		}
	}
	return s.PendingBalances(ctx, patientID)
}

func (s *LedgerService) Deliveries(ctx context.Context, patientID int64) ([]domain.Delivery, error) {
	deliveries, err := s.store.ListDeliveries(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, nil
}
