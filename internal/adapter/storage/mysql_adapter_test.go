package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

const (
	testDispenserID = 9001
	testMedicineID  = 9001
	testPatientID   = 9001
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/medistock?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

// setupFixture gives the test patient a 30 unit prescription and the test
// dispenser `units` on hand, discarding any earlier test data.
func setupFixture(t *testing.T, db *sql.DB, units int) {
	t.Helper()
	ctx := context.Background()

	cleanup := func() {
		db.ExecContext(ctx, `DELETE FROM deliveries WHERE patient_id = ?`, testPatientID)
		db.ExecContext(ctx, `DELETE ri FROM reservation_items ri JOIN reservations r ON r.id = ri.reservation_id WHERE r.patient_id = ?`, testPatientID)
		db.ExecContext(ctx, `DELETE FROM reservations WHERE patient_id = ?`, testPatientID)
		db.ExecContext(ctx, `DELETE FROM prescriptions WHERE patient_id = ?`, testPatientID)
	}
	cleanup()
	t.Cleanup(cleanup)

	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT IGNORE INTO medicines (id, code, name) VALUES (?, 'TEST9001', 'Test medicine')`, []any{testMedicineID}},
		{`INSERT IGNORE INTO dispensers (id, code, name) VALUES (?, 'TEST-9001', 'Test dispenser')`, []any{testDispenserID}},
		{`INSERT INTO prescriptions (patient_id, rx_number, medicine_id, max_units) VALUES (?, 'RX-T001', ?, 30)`, []any{testPatientID, testMedicineID}},
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s.query, s.args...); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	if err := NewMySQLAdapter(db).SetStock(ctx, testDispenserID, testMedicineID, units); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
}

func testReservation(code string, units int, now time.Time) domain.Reservation {
	return domain.Reservation{
		ID:          uuid.New().String(),
		Code:        code,
		PatientID:   testPatientID,
		DispenserID: testDispenserID,
		Items:       []domain.ReservationItem{{MedicineID: testMedicineID, Units: units}},
		Status:      domain.ReservationStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestDebitStock_Success(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ok, err := tx.DebitStock(ctx, testDispenserID, testMedicineID, 3)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("expected debit to succeed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithinTx failed: %v", err)
	}

	inv, err := adapter.GetInventory(ctx, testDispenserID, testMedicineID)
	if err != nil {
		t.Fatalf("GetInventory failed: %v", err)
	}
	if inv.Units != 7 {
		t.Errorf("expected 7 units, got %d", inv.Units)
	}
}

func TestDebitStock_Insufficient(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 2)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ok, err := tx.DebitStock(ctx, testDispenserID, testMedicineID, 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected debit to be refused")
		}
		return nil
	})

	inv, _ := adapter.GetInventory(ctx, testDispenserID, testMedicineID)
	if inv.Units != 2 {
		t.Errorf("expected stock unchanged at 2, got %d", inv.Units)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	boom := errors.New("boom")

	err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.DebitStock(ctx, testDispenserID, testMedicineID, 4); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	inv, _ := adapter.GetInventory(ctx, testDispenserID, testMedicineID)
	if inv.Units != 10 {
		t.Errorf("expected rollback to keep 10 units, got %d", inv.Units)
	}
}

func TestInsertReservation_ActiveCodeUnique(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := testReservation("TSTAB2", 2, now)
	if err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.InsertReservation(ctx, first)
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.InsertReservation(ctx, testReservation("TSTAB2", 1, now))
	})
	if !errors.Is(err, domain.ErrCodeCollision) {
		t.Fatalf("expected code collision, got %v", err)
	}

	// Once delivered, the code may be handed out again.
	if err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		_, err := tx.MarkDelivered(ctx, first.ID, now)
		return err
	}); err != nil {
		t.Fatalf("mark delivered failed: %v", err)
	}

	second := testReservation("TSTAB2", 1, now.Add(time.Second))
	if err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.InsertReservation(ctx, second)
	}); err != nil {
		t.Fatalf("reuse of delivered code failed: %v", err)
	}

	r, err := adapter.GetReservationByCode(ctx, "TSTAB2")
	if err != nil {
		t.Fatalf("GetReservationByCode failed: %v", err)
	}
	if r.ID != second.ID {
		t.Errorf("expected pending reservation %s, got %s", second.ID, r.ID)
	}
	if len(r.Items) != 1 || r.Items[0].Medicine.Code != "TEST9001" {
		t.Errorf("unexpected items %+v", r.Items)
	}
}

func TestReleaseExpired_RestoresStock(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	r := testReservation("TSTEX3", 4, now.Add(-2*time.Hour))
	err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		if _, err := tx.DebitStock(ctx, testDispenserID, testMedicineID, 4); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, r)
	})
	if err != nil {
		t.Fatalf("setup reservation failed: %v", err)
	}

	var released int
	err = adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		released, err = tx.ReleaseExpired(ctx, testDispenserID, now)
		return err
	})
	if err != nil {
		t.Fatalf("ReleaseExpired failed: %v", err)
	}
	if released != 1 {
		t.Errorf("expected 1 released reservation, got %d", released)
	}

	inv, _ := adapter.GetInventory(ctx, testDispenserID, testMedicineID)
	if inv.Units != 10 {
		t.Errorf("expected stock restored to 10, got %d", inv.Units)
	}

	got, _ := adapter.GetReservationByCode(ctx, "TSTEX3")
	if got.Status != domain.ReservationStatusExpired {
		t.Errorf("expected EXPIRED, got %s", got.Status)
	}
}

func TestAddUsedUnits_BoundedByMax(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		ok, err := tx.AddUsedUnits(ctx, testPatientID, testMedicineID, 25)
		if err != nil || !ok {
			t.Fatalf("expected first add to succeed, got %v, %v", ok, err)
		}
		ok, err = tx.AddUsedUnits(ctx, testPatientID, testMedicineID, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Error("expected add beyond max to be refused")
		}
		return nil
	})

	rx, err := adapter.GetPrescription(ctx, testPatientID, testMedicineID)
	if err != nil {
		t.Fatalf("GetPrescription failed: %v", err)
	}
	if rx.UsedUnits != 25 || rx.Pending() != 5 {
		t.Errorf("expected used 25 pending 5, got %d/%d", rx.UsedUnits, rx.Pending())
	}
}

func TestPutPrescription_ResetsLimits(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()
	setupFixture(t, db, 10)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		_, err := tx.AddUsedUnits(ctx, testPatientID, testMedicineID, 12)
		return err
	})

	err := adapter.PutPrescription(ctx, domain.Prescription{
		PatientID: testPatientID, MedicineID: testMedicineID, RxNumber: "RX-T002", MaxUnits: 40,
	})
	if err != nil {
		t.Fatalf("PutPrescription failed: %v", err)
	}

	rx, err := adapter.GetPrescription(ctx, testPatientID, testMedicineID)
	if err != nil {
		t.Fatalf("GetPrescription failed: %v", err)
	}
	if rx.RxNumber != "RX-T002" || rx.MaxUnits != 40 || rx.UsedUnits != 0 {
		t.Errorf("unexpected prescription %+v", rx)
	}
}

func TestDebitStock_ConcurrentNoOversell(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	initialStock := 20
	totalRequests := 50
	setupFixture(t, db, initialStock)

	ctx := context.Background()
	adapter := NewMySQLAdapter(db)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var debited bool
			err := adapter.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
				units, err := tx.LockStock(ctx, testDispenserID, testMedicineID)
				if err != nil || units < 1 {
					return err
				}
				debited, err = tx.DebitStock(ctx, testDispenserID, testMedicineID, 1)
				return err
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if debited {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}

	inv, _ := adapter.GetInventory(ctx, testDispenserID, testMedicineID)
	if inv.Units != 0 {
		t.Errorf("expected stock 0, got %d", inv.Units)
	}
}

func TestClassify(t *testing.T) {
	for _, number := range []uint16{errDeadlock, errLockWaitTimeout} {
		err := fmt.Errorf("update inventory: %w", &mysql.MySQLError{Number: number})
		if !errors.Is(classify(err), domain.ErrTransactionConflict) {
			t.Errorf("error %d should classify as conflict", number)
		}
	}
	if !isDuplicate(&mysql.MySQLError{Number: errDuplicateEntry}) {
		t.Error("1062 should be a duplicate")
	}
	if errors.Is(classify(errors.New("other")), domain.ErrTransactionConflict) {
		t.Error("plain error should not classify as conflict")
	}
}
