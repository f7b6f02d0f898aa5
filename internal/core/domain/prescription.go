package domain

import "time"

type Prescription struct {
	ID         int64
	PatientID  int64
	MedicineID int64
	RxNumber   string
	MaxUnits   int
	UsedUnits  int
	ValidUntil *time.Time
	Dosage     string
	Frequency  string

	// Medicine is populated by listing queries only.
	Medicine Medicine
}

// Pending is the number of prescribed units not yet delivered.
func (p Prescription) Pending() int {
	if p.UsedUnits >= p.MaxUnits {
		return 0
	}
	return p.MaxUnits - p.UsedUnits
}

// Balance is a ledger line for one patient and medicine.
type Balance struct {
	MedicineID   int64
	MedicineCode string
	MedicineName string
	RxNumber     string
	MaxUnits     int
	UsedUnits    int
	Pending      int
	// Reserved counts units held by the patient's active reservations.
	Reserved   int
	Reservable int
}

func NewBalance(p Prescription, reserved int) Balance {
	reservable := p.Pending() - reserved
	if reservable < 0 {
		reservable = 0
	}
	return Balance{
		MedicineID:   p.MedicineID,
		MedicineCode: p.Medicine.Code,
		MedicineName: p.Medicine.Name,
		RxNumber:     p.RxNumber,
		MaxUnits:     p.MaxUnits,
		UsedUnits:    p.UsedUnits,
		Pending:      p.Pending(),
		Reserved:     reserved,
		Reservable:   reservable,
	}
}
