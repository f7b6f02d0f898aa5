package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/rl1809/medistock/internal/core/domain"
)

//go:embed schema.sql
var schema string

// Migrate creates any missing table. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var demoMedicines = []domain.Medicine{
	{ID: 1, Code: "ACET500TAB", ATC: "N02BE01", Name: "Acetaminofén", Form: "Tableta", Strength: "500 mg"},
	{ID: 2, Code: "METF850TAB", ATC: "A10BA02", Name: "Metformina", Form: "Tableta", Strength: "850 mg"},
	{ID: 3, Code: "ENAL10TAB", ATC: "C09AA05", Name: "Enalapril", Form: "Tableta", Strength: "10 mg"},
	{ID: 4, Code: "AMOX500CAP", ATC: "J01CA04", Name: "Amoxicilina", Form: "Cápsula", Strength: "500 mg"},
	{ID: 5, Code: "DEXT15SIR", ATC: "R05DA04", Name: "Dextrometorfano", Form: "Jarabe", Strength: "15 mg/5 ml"},
}

var demoDispensers = []domain.Dispenser{
	{ID: 1, Code: "BGA-001", Name: "Disp. Av. 27", City: "Bucaramanga", Location: "Av. 27 #15-45",
		Lat: 7.118, Lng: -73.122, OpenDays: "mon-sat", OpenHour: "08:00", CloseHour: "19:00"},
	{ID: 2, Code: "BGA-002", Name: "Disp. Cañaveral", City: "Floridablanca", Location: "C.C. Cañaveral",
		Lat: 7.062, Lng: -73.086, OpenDays: "daily", OpenHour: "10:00", CloseHour: "21:00"},
	{ID: 3, Code: "BGA-003", Name: "Disp. UIS", City: "Bucaramanga", Location: "UIS Entrada Principal",
		Lat: 7.139, Lng: -73.121, OpenDays: "mon-fri", OpenHour: "07:00", CloseHour: "18:00"},
}

var demoStock = []domain.Inventory{
	{DispenserID: 1, MedicineID: 1, Units: 10},
	{DispenserID: 1, MedicineID: 2, Units: 5},
	{DispenserID: 1, MedicineID: 3, Units: 10},
	{DispenserID: 2, MedicineID: 1, Units: 20},
	{DispenserID: 2, MedicineID: 4, Units: 35},
	{DispenserID: 3, MedicineID: 2, Units: 25},
	{DispenserID: 3, MedicineID: 3, Units: 8},
	{DispenserID: 3, MedicineID: 5, Units: 25},
}

var demoValidUntil = time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC)

// Patient 1 holds two open prescriptions of 30 units each.
var demoPrescriptions = []domain.Prescription{
	{PatientID: 1, RxNumber: "RX-A001", MedicineID: 1, MaxUnits: 30, ValidUntil: &demoValidUntil,
		Dosage: "500 mg", Frequency: "cada 8 horas por 5 días"},
	{PatientID: 1, RxNumber: "RX-A002", MedicineID: 2, MaxUnits: 30, ValidUntil: &demoValidUntil,
		Dosage: "850 mg", Frequency: "2 veces al día"},
}

// Seed loads the demo catalog. Existing rows are left alone so restarts do
// not reset live stock.
func Seed(ctx context.Context, db *sql.DB) error {
	for _, m := range demoMedicines {
		if _, err := db.ExecContext(ctx, `
			INSERT IGNORE INTO medicines (id, code, atc, name, form, strength) VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.Code, m.ATC, m.Name, m.Form, m.Strength); err != nil {
			return fmt.Errorf("seed medicine %s: %w", m.Code, err)
		}
	}
	for _, d := range demoDispensers {
		if _, err := db.ExecContext(ctx, `
			INSERT IGNORE INTO dispensers (id, code, name, city, location, lat, lng, open_days, open_hour, close_hour)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.Code, d.Name, d.City, d.Location, d.Lat, d.Lng, d.OpenDays, d.OpenHour, d.CloseHour); err != nil {
			return fmt.Errorf("seed dispenser %s: %w", d.Code, err)
		}
	}
	for _, inv := range demoStock {
		if _, err := db.ExecContext(ctx, `
			INSERT IGNORE INTO inventory (dispenser_id, medicine_id, units) VALUES (?, ?, ?)`,
			inv.DispenserID, inv.MedicineID, inv.Units); err != nil {
			return fmt.Errorf("seed inventory: %w", err)
		}
	}
	for _, p := range demoPrescriptions {
		if _, err := db.ExecContext(ctx, `
			INSERT IGNORE INTO prescriptions (patient_id, rx_number, medicine_id, max_units, valid_until, dosage, frequency)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.PatientID, p.RxNumber, p.MedicineID, p.MaxUnits, p.ValidUntil, p.Dosage, p.Frequency); err != nil {
			return fmt.Errorf("seed prescription %s: %w", p.RxNumber, err)
		}
	}
	return nil
}

// SeedMemory loads the same demo catalog into an in-memory store.
func SeedMemory(m *MemoryStore) {
	for _, med := range demoMedicines {
		m.PutMedicine(med)
	}
	for _, d := range demoDispensers {
		m.PutDispenser(d)
	}
	for _, inv := range demoStock {
		m.SetStock(inv.DispenserID, inv.MedicineID, inv.Units)
	}
	for _, p := range demoPrescriptions {
		m.PutPrescription(p)
	}
}
