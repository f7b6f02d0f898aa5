package domain

import (
	"sort"
	"time"
)

type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "PENDING"
	ReservationStatusDelivered ReservationStatus = "DELIVERED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// ReservationPolicy decides what happens when a line cannot be fully satisfied.
type ReservationPolicy string

const (
	// PolicyStrict rejects the whole request if any line falls short.
	PolicyStrict ReservationPolicy = "strict"
	// PolicyClamp reduces each line to what stock and balance allow.
	PolicyClamp ReservationPolicy = "clamp"
)

func (p ReservationPolicy) Valid() bool {
	return p == PolicyStrict || p == PolicyClamp
}

type ReservationItem struct {
	MedicineID int64
	Units      int

	// Medicine is populated by read queries only.
	Medicine Medicine
}

type Reservation struct {
	ID          string
	Code        string
	PatientID   int64
	DispenserID int64
	Items       []ReservationItem
	Status      ReservationStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	DeliveredAt *time.Time

	// Dispenser is populated by read queries only.
	Dispenser Dispenser
}

// IsExpired reports whether the claim can no longer be redeemed at now.
func (r Reservation) IsExpired(now time.Time) bool {
	if r.Status == ReservationStatusExpired {
		return true
	}
	return r.Status == ReservationStatusPending && now.After(r.ExpiresAt)
}

// EffectiveStatus resolves lazy expiry without mutating the reservation.
func (r Reservation) EffectiveStatus(now time.Time) ReservationStatus {
	if r.IsExpired(now) {
		return ReservationStatusExpired
	}
	return r.Status
}

func (r Reservation) TotalUnits() int {
	total := 0
	for _, item := range r.Items {
		total += item.Units
	}
	return total
}

// ItemRequest is one requested line of a reservation.
type ItemRequest struct {
	MedicineID int64
	Units      int
}

// NormalizeItems validates quantities, merges duplicate medicines and sorts
// the result by medicine id so row locks are always taken in the same order.
func NormalizeItems(items []ItemRequest) ([]ItemRequest, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	merged := make(map[int64]int, len(items))
	for _, item := range items {
		if item.MedicineID <= 0 {
			return nil, ErrInvalidRequest
		}
		if item.Units <= 0 {
			return nil, &LineError{MedicineID: item.MedicineID, Err: ErrInvalidQuantity}
		}
		merged[item.MedicineID] += item.Units
	}

	out := make([]ItemRequest, 0, len(merged))
	for id, units := range merged {
		out = append(out, ItemRequest{MedicineID: id, Units: units})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicineID < out[j].MedicineID })
	return out, nil
}
