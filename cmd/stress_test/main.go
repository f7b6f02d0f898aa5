package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/adapter/storage"
	"github.com/rl1809/medistock/internal/config"
	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/core/service"
	"github.com/rl1809/medistock/internal/port"
	"github.com/rl1809/medistock/pkg/logger"
)

const (
	dispenserID   = 1
	medicineID    = 1
	initialStock  = 20
	totalRequests = 50
	maxUnits      = 30
)

// firstPatient is unique per run so holds left in MySQL by an earlier run
// never count against this one.
var firstPatient = 100000 + time.Now().Unix()%1000000*100

// fixture resets the rows a scenario depends on.
type fixture interface {
	port.Store
	setStock(ctx context.Context, units int) error
	putPrescription(ctx context.Context, patientID int64) error
	stock(ctx context.Context) (int, error)
}

type memFixture struct{ *storage.MemoryStore }

func (m memFixture) setStock(_ context.Context, units int) error {
	m.SetStock(dispenserID, medicineID, units)
	return nil
}

func (m memFixture) putPrescription(_ context.Context, patientID int64) error {
	m.PutPrescription(domain.Prescription{PatientID: patientID, MedicineID: medicineID, RxNumber: "RX-STRESS", MaxUnits: maxUnits})
	return nil
}

func (m memFixture) stock(context.Context) (int, error) {
	return m.Stock(dispenserID, medicineID), nil
}

type mysqlFixture struct{ *storage.MySQLAdapter }

func (m mysqlFixture) setStock(ctx context.Context, units int) error {
	return m.SetStock(ctx, dispenserID, medicineID, units)
}

func (m mysqlFixture) putPrescription(ctx context.Context, patientID int64) error {
	return m.PutPrescription(ctx, domain.Prescription{PatientID: patientID, MedicineID: medicineID, RxNumber: "RX-STRESS", MaxUnits: maxUnits})
}

func (m mysqlFixture) stock(ctx context.Context) (int, error) {
	inv, err := m.GetInventory(ctx, dispenserID, medicineID)
	if err != nil || inv == nil {
		return 0, err
	}
	return inv.Units, nil
}

type result struct {
	name             string
	wantOK, wantFail int32
	ok, fail         atomic.Int32
	kinds            sync.Map
	elapsed          time.Duration
}

func (r *result) record(err error) {
	if err == nil {
		r.ok.Add(1)
		return
	}
	r.fail.Add(1)
	n, _ := r.kinds.LoadOrStore(domain.KindOf(err), new(atomic.Int32))
	n.(*atomic.Int32).Add(1)
}

func (r *result) print() bool {
	ok, fail := r.ok.Load(), r.fail.Load()
	fmt.Printf("---------- %s ----------\n", r.name)
	fmt.Printf("Successful:       %d\n", ok)
	fmt.Printf("Failed:           %d\n", fail)
	r.kinds.Range(func(k, v any) bool {
		fmt.Printf("  %-30s %d\n", k, v.(*atomic.Int32).Load())
		return true
	})
	fmt.Printf("Duration:         %v\n", r.elapsed)

	if ok == r.wantOK && fail == r.wantFail {
		fmt.Printf("PASS: %d succeeded, %d failed\n", ok, fail)
		return true
	}
	fmt.Printf("FAIL: expected %d/%d, got %d/%d\n", r.wantOK, r.wantFail, ok, fail)
	return false
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg.Log.Level = "warn"
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	fx, closeFn, err := openFixture(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeFn()

	svc := service.NewReservationService(fx, nil, nil, cfg.Reservation, log)

	passed := true
	passed = stockContention(ctx, fx, svc, log) && passed
	passed = balanceContention(ctx, fx, svc, log) && passed

	final, err := fx.stock(ctx)
	if err != nil {
		log.Fatal("failed to read final stock", zap.Error(err))
	}
	fmt.Printf("Final stock:      %d\n", final)

	if !passed {
		os.Exit(1)
	}
}

// stockContention sends one single-unit request per patient against a
// dispenser holding fewer units than there are patients.
func stockContention(ctx context.Context, fx fixture, svc *service.ReservationService, log *zap.Logger) bool {
	if err := fx.setStock(ctx, initialStock); err != nil {
		log.Fatal("failed to set stock", zap.Error(err))
	}
	for i := 0; i < totalRequests; i++ {
		if err := fx.putPrescription(ctx, firstPatient+int64(i)); err != nil {
			log.Fatal("failed to create prescription", zap.Error(err))
		}
	}

	r := &result{name: "stock contention", wantOK: initialStock, wantFail: totalRequests - initialStock}
	run(r, totalRequests, func(i int) error {
		_, err := svc.Reserve(ctx, service.ReserveRequest{
			PatientID:   firstPatient + int64(i),
			DispenserID: dispenserID,
			Items:       []domain.ItemRequest{{MedicineID: medicineID, Units: 1}},
		})
		return err
	})
	ok := r.print()

	left, err := fx.stock(ctx)
	if err != nil {
		log.Fatal("failed to read stock", zap.Error(err))
	}
	if left != 0 {
		fmt.Printf("FAIL: expected stock 0, got %d\n", left)
		return false
	}
	return ok
}

// balanceContention has one patient race against their own prescription
// balance at a well stocked dispenser.
func balanceContention(ctx context.Context, fx fixture, svc *service.ReservationService, log *zap.Logger) bool {
	patient := firstPatient + totalRequests
	if err := fx.setStock(ctx, totalRequests*2); err != nil {
		log.Fatal("failed to set stock", zap.Error(err))
	}
	if err := fx.putPrescription(ctx, patient); err != nil {
		log.Fatal("failed to create prescription", zap.Error(err))
	}

	r := &result{name: "balance contention", wantOK: maxUnits, wantFail: totalRequests - maxUnits}
	run(r, totalRequests, func(int) error {
		_, err := svc.Reserve(ctx, service.ReserveRequest{
			PatientID:   patient,
			DispenserID: dispenserID,
			Items:       []domain.ItemRequest{{MedicineID: medicineID, Units: 1}},
		})
		return err
	})
	return r.print()
}

func run(r *result, n int, call func(i int) error) {
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.record(call(i))
		}(i)
	}
	wg.Wait()
	r.elapsed = time.Since(start)
}

func openFixture(ctx context.Context, cfg *config.Config) (fixture, func(), error) {
	if cfg.App.Store == "memory" {
		mem := storage.NewMemoryStore()
		storage.SeedMemory(mem)
		return memFixture{mem}, func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := storage.Seed(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return mysqlFixture{storage.NewMySQLAdapter(db)}, func() { db.Close() }, nil
}
