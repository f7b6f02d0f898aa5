package domain

import "time"

// Delivery is an append-only record of units handed to a patient.
type Delivery struct {
	ID            string
	ReservationID string
	PatientID     int64
	DispenserID   int64
	MedicineID    int64
	Units         int
	DeliveredAt   time.Time

	// Populated by history queries only.
	Dispenser Dispenser
	Medicine  Medicine
}

// DeliveryBatch is the outcome of redeeming one reservation.
type DeliveryBatch struct {
	ReservationID string
	PatientID     int64
	DispenserID   int64
	Deliveries    []Delivery
	TotalUnits    int
	DeliveredAt   time.Time
}
