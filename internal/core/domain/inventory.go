package domain

import "time"

// Inventory is the stock a dispenser holds for one medicine.
type Inventory struct {
	DispenserID int64
	MedicineID  int64
	Units       int
	Version     int // bumped on every stock change
	UpdatedAt   time.Time
}

type Dispenser struct {
	ID        int64
	Code      string
	Name      string
	City      string
	Location  string
	Lat       float64
	Lng       float64
	OpenDays  string
	OpenHour  string
	CloseHour string
}

type Medicine struct {
	ID       int64
	Code     string
	ATC      string
	Name     string
	Form     string
	Strength string
}

// StockLevel is a read-only snapshot row joining a dispenser, a medicine and
// the units currently available there.
type StockLevel struct {
	Dispenser Dispenser
	Medicine  Medicine
	Units     int
}

// StockFilter narrows a stock listing. Zero values mean "any".
type StockFilter struct {
	DispenserID int64
	MedicineIDs []int64
}
