package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

func TestMemoryStore_WithinTxDiscardsFailedWrites(t *testing.T) {
	store := NewMemoryStore()
	SeedMemory(store)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if ok, _ := tx.DebitStock(ctx, 1, 1, 4); !ok {
			t.Fatal("expected debit to succeed")
		}
		if ok, _ := tx.AddUsedUnits(ctx, 1, 1, 4); !ok {
			t.Fatal("expected add to succeed")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if got := store.Stock(1, 1); got != 10 {
		t.Errorf("expected stock 10 after rollback, got %d", got)
	}
	rx, _ := store.GetPrescription(ctx, 1, 1)
	if rx.UsedUnits != 0 {
		t.Errorf("expected used 0 after rollback, got %d", rx.UsedUnits)
	}
}

func TestMemoryStore_DebitStockRefusesOverdraw(t *testing.T) {
	store := NewMemoryStore()
	SeedMemory(store)

	store.WithinTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		if ok, _ := tx.DebitStock(ctx, 1, 2, 6); ok {
			t.Error("expected debit of 6 from 5 to be refused")
		}
		if ok, _ := tx.DebitStock(ctx, 2, 5, 1); ok {
			t.Error("expected debit without an inventory row to be refused")
		}
		return nil
	})

	if got := store.Stock(1, 2); got != 5 {
		t.Errorf("expected 5 units, got %d", got)
	}
}

func TestMemoryStore_CodeLookupPrefersPending(t *testing.T) {
	store := NewMemoryStore()
	SeedMemory(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := domain.Reservation{ID: "old", Code: "ABC234", PatientID: 1, DispenserID: 1,
		Items:  []domain.ReservationItem{{MedicineID: 1, Units: 1}},
		Status: domain.ReservationStatusPending, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	fresh := old
	fresh.ID, fresh.CreatedAt = "fresh", now.Add(time.Minute)

	err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if err := tx.InsertReservation(ctx, old); err != nil {
			return err
		}
		if err := tx.InsertReservation(ctx, fresh); !errors.Is(err, domain.ErrCodeCollision) {
			t.Errorf("expected collision while old is pending, got %v", err)
		}
		if _, err := tx.MarkDelivered(ctx, old.ID, now); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, fresh)
	})
	if err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}

	r, _ := store.GetReservationByCode(ctx, "ABC234")
	if r == nil || r.ID != "fresh" {
		t.Fatalf("expected fresh pending reservation, got %+v", r)
	}
	if r.Dispenser.Code != "BGA-001" || r.Items[0].Medicine.Code != "ACET500TAB" {
		t.Errorf("expected joined dispenser and medicine, got %+v", r)
	}
}

func TestMemoryStore_ReleaseExpiredOnlyTouchesDispenser(t *testing.T) {
	store := NewMemoryStore()
	SeedMemory(store)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := func(id string, dispenserID, medicineID int64) domain.Reservation {
		return domain.Reservation{ID: id, Code: id, PatientID: 1, DispenserID: dispenserID,
			Items:  []domain.ReservationItem{{MedicineID: medicineID, Units: 2}},
			Status: domain.ReservationStatusPending, CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
	}

	var released int
	err := store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		tx.InsertReservation(ctx, expired("EXP001", 1, 1))
		tx.InsertReservation(ctx, expired("EXP002", 2, 1))

		var err error
		released, err = tx.ReleaseExpired(ctx, 1, now)
		return err
	})
	if err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}

	if released != 1 {
		t.Errorf("expected 1 release, got %d", released)
	}
	if got := store.Stock(1, 1); got != 12 {
		t.Errorf("expected dispenser 1 stock 12, got %d", got)
	}
	if got := store.Stock(2, 1); got != 20 {
		t.Errorf("expected dispenser 2 untouched at 20, got %d", got)
	}
}

func TestMemoryStore_ListStockFilters(t *testing.T) {
	store := NewMemoryStore()
	SeedMemory(store)
	ctx := context.Background()

	all, _ := store.ListStock(ctx, domain.StockFilter{})
	if len(all) != 8 {
		t.Errorf("expected 8 stock rows, got %d", len(all))
	}

	store.SetStock(3, 3, 0)
	one, _ := store.ListStock(ctx, domain.StockFilter{DispenserID: 3})
	if len(one) != 2 {
		t.Errorf("expected zero stock rows to be hidden, got %d rows", len(one))
	}

	acet, _ := store.ListStock(ctx, domain.StockFilter{MedicineIDs: []int64{1}})
	if len(acet) != 2 || acet[0].Dispenser.ID != 1 || acet[1].Dispenser.ID != 2 {
		t.Errorf("unexpected acetaminophen rows %+v", acet)
	}
}
