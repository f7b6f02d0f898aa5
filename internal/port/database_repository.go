package port

import (
	"context"
	"time"

	"github.com/rl1809/medistock/internal/core/domain"
)

// Store is the persistent state of the engine. Reads outside WithinTx see
// committed data only.
type Store interface {
	// WithinTx runs fn in a single atomic transaction. Any error returned by fn
	// rolls back every statement fn executed.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// GetPrescription returns nil, nil when the patient has no prescription
	// for the medicine.
	GetPrescription(ctx context.Context, patientID, medicineID int64) (*domain.Prescription, error)
	ListPrescriptions(ctx context.Context, patientID int64) ([]domain.Prescription, error)
	// ReservedUnitsByMedicine sums the units of the patient's pending,
	// unexpired reservations per medicine.
	ReservedUnitsByMedicine(ctx context.Context, patientID int64, now time.Time) (map[int64]int, error)

	ListStock(ctx context.Context, filter domain.StockFilter) ([]domain.StockLevel, error)

	// GetReservationByCode returns nil, nil when no reservation carries code.
	GetReservationByCode(ctx context.Context, code string) (*domain.Reservation, error)
	ListDeliveries(ctx context.Context, patientID int64) ([]domain.Delivery, error)
}

// Tx exposes the row-level primitives the services compose inside one
// transaction. Lock* methods hold the row until the transaction ends.
type Tx interface {
	DispenserExists(ctx context.Context, dispenserID int64) (bool, error)
	MedicineExists(ctx context.Context, medicineID int64) (bool, error)

	// ReleaseExpired returns the stock held by pending reservations of the
	// dispenser that expired before now and marks them EXPIRED.
	ReleaseExpired(ctx context.Context, dispenserID int64, now time.Time) (int, error)

	// LockPrescription returns nil, nil when no prescription exists.
	LockPrescription(ctx context.Context, patientID, medicineID int64) (*domain.Prescription, error)
	ReservedUnits(ctx context.Context, patientID, medicineID int64, now time.Time) (int, error)

	// LockStock returns 0 when the dispenser carries no row for the medicine.
	LockStock(ctx context.Context, dispenserID, medicineID int64) (int, error)
	// DebitStock subtracts units only if that many are available.
	DebitStock(ctx context.Context, dispenserID, medicineID int64, units int) (bool, error)

	CodeInUse(ctx context.Context, code string) (bool, error)
	// InsertReservation stores the reservation and its items. It returns
	// domain.ErrCodeCollision if the code belongs to another pending claim.
	InsertReservation(ctx context.Context, r domain.Reservation) error

	// LockReservationByCode prefers the pending row, else the most recent one.
	LockReservationByCode(ctx context.Context, code string) (*domain.Reservation, error)
	// AddUsedUnits increments used units only while they stay within the
	// prescribed maximum.
	AddUsedUnits(ctx context.Context, patientID, medicineID int64, units int) (bool, error)
	InsertDelivery(ctx context.Context, d domain.Delivery) error
	// MarkDelivered transitions a PENDING reservation; false if it was not pending.
	MarkDelivered(ctx context.Context, reservationID string, at time.Time) (bool, error)

	DeliveredUnits(ctx context.Context, patientID, medicineID int64) (int, error)
	SetUsedUnits(ctx context.Context, patientID, medicineID int64, used int) error
}
