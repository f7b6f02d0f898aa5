package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
	"github.com/rl1809/medistock/pkg/metrics"
)

func TestPendingUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got, _ := f.ledger.PendingUnits(ctx, patientID, acetaminofen); got != 30 {
		t.Errorf("expected 30 pending, got %d", got)
	}
	if got, _ := f.ledger.PendingUnits(ctx, patientID, amoxicilina); got != 0 {
		t.Errorf("expected 0 without prescription, got %d", got)
	}

	r := f.reserve(t, dispenserAv, item(acetaminofen, 8))
	if _, err := f.fulfillment.Redeem(ctx, r.Code); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	if got, _ := f.ledger.PendingUnits(ctx, patientID, acetaminofen); got != 22 {
		t.Errorf("expected 22 pending after delivery, got %d", got)
	}
}

func TestPendingBalances(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, dispenserAv, item(metformina, 4))

	balances, err := f.ledger.PendingBalances(context.Background(), patientID)
	if err != nil {
		t.Fatalf("PendingBalances failed: %v", err)
	}
	if len(balances) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(balances))
	}

	acet, metf := balances[0], balances[1]
	if acet.MedicineCode != "ACET500TAB" || acet.Pending != 30 || acet.Reservable != 30 {
		t.Errorf("unexpected acetaminofen balance %+v", acet)
	}
	if metf.RxNumber != "RX-A002" || metf.Reserved != 4 || metf.Reservable != 26 {
		t.Errorf("unexpected metformina balance %+v", metf)
	}
}

func TestRecomputeUsed_HealsDrift(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("test", reg)
	f := newFixture(t, withOption(WithMetrics(m)))
	ctx := context.Background()

	r := f.reserve(t, dispenserCan, item(acetaminofen, 10))
	if _, err := f.fulfillment.Redeem(ctx, r.Code); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}

	f.mem.PutPrescription(domain.Prescription{PatientID: patientID, MedicineID: acetaminofen, MaxUnits: 30, UsedUnits: 3})

	rx, err := f.ledger.RecomputeUsed(ctx, patientID, acetaminofen)
	if err != nil {
		t.Fatalf("RecomputeUsed failed: %v", err)
	}
	if rx.UsedUnits != 10 || f.used(t, acetaminofen) != 10 {
		t.Errorf("expected used 10, got %d", rx.UsedUnits)
	}

	rx, err = f.ledger.RecomputeUsed(ctx, patientID, acetaminofen)
	if err != nil || rx.UsedUnits != 10 {
		t.Errorf("second recompute changed the result: %v, %v", rx, err)
	}
	if got := testutil.ToFloat64(m.LedgerCorrections); got != 1 {
		t.Errorf("expected one correction recorded, got %v", got)
	}
}

func TestRecomputeUsed_RefusesOverdelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.mem.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		for _, units := range []int{20, 15} {
			if err := tx.InsertDelivery(ctx, domain.Delivery{
				ID: "d", PatientID: patientID, DispenserID: dispenserAv, MedicineID: metformina, Units: units,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	_, err = f.ledger.RecomputeUsed(ctx, patientID, metformina)
	if !errors.Is(err, domain.ErrLedgerInconsistent) || domain.KindOf(err) != domain.KindInternal {
		t.Fatalf("expected ErrLedgerInconsistent, got %v", err)
	}
	if got := f.used(t, metformina); got != 0 {
		t.Errorf("expected used untouched, got %d", got)
	}
}

func TestRecomputeUsed_NoPrescription(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.RecomputeUsed(context.Background(), patientID, amoxicilina)
	if !errors.Is(err, domain.ErrPrescriptionNotFound) {
		t.Errorf("expected ErrPrescriptionNotFound, got %v", err)
	}
}

func TestRecomputeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.reserve(t, dispenserAv, item(acetaminofen, 2), item(metformina, 5))
	if _, err := f.fulfillment.Redeem(ctx, r.Code); err != nil {
		t.Fatalf("redeem failed: %v", err)
	}
	f.mem.PutPrescription(domain.Prescription{PatientID: patientID, MedicineID: metformina, MaxUnits: 30})

	balances, err := f.ledger.RecomputeAll(ctx, patientID)
	if err != nil {
		t.Fatalf("RecomputeAll failed: %v", err)
	}
	if balances[0].UsedUnits != 2 || balances[1].UsedUnits != 5 || balances[1].Pending != 25 {
		t.Errorf("unexpected balances %+v", balances)
	}
}

func TestDeliveries_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.reserve(t, dispenserAv, item(acetaminofen, 1))
	f.fulfillment.Redeem(ctx, first.Code)
	f.clock.Advance(time.Hour)
	second := f.reserve(t, dispenserCan, item(acetaminofen, 2))
	f.fulfillment.Redeem(ctx, second.Code)

	deliveries, err := f.ledger.Deliveries(ctx, patientID)
	if err != nil {
		t.Fatalf("Deliveries failed: %v", err)
	}
	if len(deliveries) != 2 || deliveries[0].ReservationID != second.ID || deliveries[0].Dispenser.Code != "BGA-002" {
		t.Errorf("unexpected deliveries %+v", deliveries)
	}
}
