package domain

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable class of an engine error.
type Kind string

const (
	KindNotFound                    Kind = "not_found"
	KindInsufficientStock           Kind = "insufficient_stock"
	KindInsufficientPendingBalance  Kind = "insufficient_pending_balance"
	KindInvalidQuantity             Kind = "invalid_quantity"
	KindInvalidRequest              Kind = "invalid_request"
	KindEmptyReservation            Kind = "empty_reservation"
	KindDuplicateRequest            Kind = "duplicate_request"
	KindReservationExpired          Kind = "reservation_expired"
	KindReservationAlreadyFulfilled Kind = "reservation_already_fulfilled"
	KindTransactionConflict         Kind = "transaction_conflict"
	KindInternal                    Kind = "internal"
)

var (
	ErrNotFound                    = errors.New("not found")
	ErrInsufficientStock           = errors.New("insufficient stock")
	ErrInsufficientPendingBalance  = errors.New("insufficient pending balance")
	ErrInvalidQuantity             = errors.New("units must be greater than zero")
	ErrInvalidRequest              = errors.New("invalid request")
	ErrEmptyReservation            = errors.New("no requested item can be reserved")
	ErrDuplicateRequest            = errors.New("duplicate request")
	ErrReservationExpired          = errors.New("reservation expired")
	ErrReservationAlreadyFulfilled = errors.New("reservation already delivered")
	ErrTransactionConflict         = errors.New("concurrent update conflict, retry")

	ErrDispenserNotFound    = fmt.Errorf("dispenser %w", ErrNotFound)
	ErrMedicineNotFound     = fmt.Errorf("medicine %w", ErrNotFound)
	ErrReservationNotFound  = fmt.Errorf("reservation %w", ErrNotFound)
	ErrPrescriptionNotFound = fmt.Errorf("prescription %w", ErrNotFound)
	ErrNoItems              = fmt.Errorf("%w: at least one item is required", ErrInvalidRequest)

	// ErrCodeCollision is returned by storage when a pickup code is already
	// held by another pending reservation.
	ErrCodeCollision = errors.New("pickup code collision")
	// ErrCodeSpaceExhausted means every generated code collided.
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique pickup code")
	// ErrLedgerInconsistent means delivered units exceed the prescribed maximum.
	ErrLedgerInconsistent = errors.New("delivered units exceed prescribed maximum")
)

// LineError attaches the offending medicine to a per-item failure.
type LineError struct {
	MedicineID int64
	Err        error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("medicine %d: %v", e.MedicineID, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrInsufficientPendingBalance, KindInsufficientPendingBalance},
	{ErrInvalidQuantity, KindInvalidQuantity},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrEmptyReservation, KindEmptyReservation},
	{ErrDuplicateRequest, KindDuplicateRequest},
	{ErrReservationExpired, KindReservationExpired},
	{ErrReservationAlreadyFulfilled, KindReservationAlreadyFulfilled},
	{ErrTransactionConflict, KindTransactionConflict},
}

// KindOf classifies err. Anything unrecognised is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may safely repeat the operation.
func Retryable(err error) bool {
	return KindOf(err) == KindTransactionConflict
}
