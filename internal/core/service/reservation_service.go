package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/config"
	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

type ReserveRequest struct {
	PatientID   int64
	DispenserID int64
	Items       []domain.ItemRequest
	// RequestID makes client retries safe when set.
	RequestID string
}

// ReservationService turns pending prescription balance into a time-boxed
// claim on one dispenser's stock. Stock is debited when the claim is created.
type ReservationService struct {
	store     port.Store
	cache     port.CacheRepository
	publisher port.EventPublisher
	cfg       config.ReservationConfig
	log       *zap.Logger
	opts      options
}

// NewReservationService builds the service. cache may be nil, in which case
// request ids are ignored.
func NewReservationService(store port.Store, cache port.CacheRepository, publisher port.EventPublisher,
	cfg config.ReservationConfig, log *zap.Logger, opts ...Option) *ReservationService {
	if publisher == nil {
		publisher = port.NopPublisher{}
	}
	return &ReservationService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		opts:      applyOptions(opts),
	}
}

func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (_ *domain.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "ReservationService.Reserve", trace.WithAttributes(
		attribute.Int64("patient.id", req.PatientID),
		attribute.Int64("dispenser.id", req.DispenserID),
		attribute.Int("items", len(req.Items)),
	))
	defer func() { endSpan(span, err) }()

	r, err := s.reserve(ctx, req)

	units := 0
	if r != nil {
		units = r.TotalUnits()
	}
	s.opts.metrics.ObserveReservation(resultLabel(err), units)
	return r, err
}

func (s *ReservationService) reserve(ctx context.Context, req ReserveRequest) (_ *domain.Reservation, err error) {
	if req.PatientID <= 0 || req.DispenserID <= 0 {
		return nil, fmt.Errorf("%w: patient and dispenser are required", domain.ErrInvalidRequest)
	}

	items, err := domain.NormalizeItems(req.Items)
	if err != nil {
		return nil, err
	}

	if req.RequestID != "" && s.cache != nil {
		key := fmt.Sprintf("reservation:%d:%s", req.PatientID, req.RequestID)

		claimed, cerr := s.cache.SetIdempotency(ctx, key)
		if cerr != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", cerr)
		}
		if !claimed {
			return nil, domain.ErrDuplicateRequest
		}

		defer func() {
			if err == nil {
				return
			}
			if clearErr := s.cache.ClearIdempotency(context.WithoutCancel(ctx), key); clearErr != nil {
				s.log.Error("failed to release idempotency key", zap.String("key", key), zap.Error(clearErr))
			}
		}()
	}

	var created domain.Reservation
	err = runTx(ctx, s.store, s.cfg.MaxTxRetries, "reserve", s.log, s.opts.metrics, func(ctx context.Context, tx port.Tx) error {
		r, err := s.reserveTx(ctx, tx, req.PatientID, req.DispenserID, items)
		if err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		if domain.KindOf(err) == domain.KindInternal {
			s.log.Error("reservation failed",
				zap.Int64("patient_id", req.PatientID),
				zap.Int64("dispenser_id", req.DispenserID),
				zap.Error(err),
			)
		}
		return nil, err
	}

	s.log.Info("reservation created",
		zap.String("reservation_id", created.ID),
		zap.Int64("patient_id", created.PatientID),
		zap.Int64("dispenser_id", created.DispenserID),
		zap.Int("units", created.TotalUnits()),
		zap.Time("expires_at", created.ExpiresAt),
	)

	if pubErr := s.publisher.ReservationCreated(ctx, created); pubErr != nil {
		s.log.Warn("failed to publish reservation event", zap.String("reservation_id", created.ID), zap.Error(pubErr))
	}

	return &created, nil
}

func (s *ReservationService) reserveTx(ctx context.Context, tx port.Tx, patientID, dispenserID int64, items []domain.ItemRequest) (domain.Reservation, error) {
	now := s.opts.now()

	released, err := tx.ReleaseExpired(ctx, dispenserID, now)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("release expired holds: %w", err)
	}
	if released > 0 {
		s.log.Info("released expired holds", zap.Int64("dispenser_id", dispenserID), zap.Int("reservations", released))
	}

	ok, err := tx.DispenserExists(ctx, dispenserID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("check dispenser: %w", err)
	}
	if !ok {
		return domain.Reservation{}, domain.ErrDispenserNotFound
	}

	lines := make([]domain.ReservationItem, 0, len(items))
	for _, item := range items {
		units, err := s.satisfiable(ctx, tx, patientID, dispenserID, item, now)
		if err != nil {
			return domain.Reservation{}, err
		}
		if units == 0 {
			continue
		}
		lines = append(lines, domain.ReservationItem{MedicineID: item.MedicineID, Units: units})
	}
	if len(lines) == 0 {
		return domain.Reservation{}, domain.ErrEmptyReservation
	}

	for _, line := range lines {
		ok, err := tx.DebitStock(ctx, dispenserID, line.MedicineID, line.Units)
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("debit stock: %w", err)
		}
		if !ok {
			return domain.Reservation{}, &domain.LineError{MedicineID: line.MedicineID, Err: domain.ErrInsufficientStock}
		}
	}

	r := domain.Reservation{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		DispenserID: dispenserID,
		Items:       lines,
		Status:      domain.ReservationStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.TTL),
	}
	if err := s.insertWithCode(ctx, tx, &r); err != nil {
		return domain.Reservation{}, err
	}
	return r, nil
}

// satisfiable decides how many units of item can be claimed. In strict mode
// anything short of the full request is an error; in clamp mode the request
// shrinks to what the balance and the stock allow.
func (s *ReservationService) satisfiable(ctx context.Context, tx port.Tx, patientID, dispenserID int64, item domain.ItemRequest, now time.Time) (int, error) {
	lineErr := func(err error) error { return &domain.LineError{MedicineID: item.MedicineID, Err: err} }

	ok, err := tx.MedicineExists(ctx, item.MedicineID)
	if err != nil {
		return 0, fmt.Errorf("check medicine: %w", err)
	}
	if !ok {
		return 0, lineErr(domain.ErrMedicineNotFound)
	}

	rx, err := tx.LockPrescription(ctx, patientID, item.MedicineID)
	if err != nil {
		return 0, fmt.Errorf("lock prescription: %w", err)
	}
	pending := 0
	if rx != nil {
		pending = rx.Pending()
	}

	reserved, err := tx.ReservedUnits(ctx, patientID, item.MedicineID, now)
	if err != nil {
		return 0, fmt.Errorf("sum reserved units: %w", err)
	}
	reservable := max(pending-reserved, 0)

	stock, err := tx.LockStock(ctx, dispenserID, item.MedicineID)
	if err != nil {
		return 0, fmt.Errorf("lock stock: %w", err)
	}

	if s.cfg.Policy == domain.PolicyClamp {
		return max(min(item.Units, reservable, stock), 0), nil
	}

	if reservable < item.Units {
		return 0, lineErr(domain.ErrInsufficientPendingBalance)
	}
	if stock < item.Units {
		return 0, lineErr(domain.ErrInsufficientStock)
	}
	return item.Units, nil
}

func (s *ReservationService) insertWithCode(ctx context.Context, tx port.Tx, r *domain.Reservation) error {
	for _, length := range []int{s.cfg.CodeLength, s.cfg.FallbackCodeLength} {
		for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
			code, err := s.opts.codes(length)
			if err != nil {
				return fmt.Errorf("generate code: %w", err)
			}

			inUse, err := tx.CodeInUse(ctx, code)
			if err != nil {
				return fmt.Errorf("check code: %w", err)
			}
			if inUse {
				continue
			}

			r.Code = code
			err = tx.InsertReservation(ctx, *r)
			if errors.Is(err, domain.ErrCodeCollision) {
				continue
			}
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			return nil
		}
		s.log.Warn("pickup code collisions exhausted attempts", zap.Int("length", length))
	}
	return domain.ErrCodeSpaceExhausted
}

// GetReservation looks a claim up by its pickup code. The returned status
// accounts for lazy expiry.
func (s *ReservationService) GetReservation(ctx context.Context, code string) (*domain.Reservation, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}

	r, err := s.store.GetReservationByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if r == nil {
		return nil, domain.ErrReservationNotFound
	}

	r.Status = r.EffectiveStatus(s.opts.now())
	return r, nil
}
