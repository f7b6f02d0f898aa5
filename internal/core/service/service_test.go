package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/medistock/internal/adapter/storage"
	"github.com/rl1809/medistock/internal/config"
	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

// Seeded catalog: patient 1 holds 30 units of medicines 1 and 2.
// Dispenser 1 stocks 10 of medicine 1 and 5 of medicine 2; dispenser 2
// stocks 20 of medicine 1.
const (
	patientID    = 1
	acetaminofen = 1
	metformina   = 2
	amoxicilina  = 4
	dispenserAv  = 1
	dispenserCan = 2
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Mock CacheRepository
type mockCacheRepo struct {
	idempotencySet map[string]bool
	err            error
	mu             sync.Mutex
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{idempotencySet: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}
	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	created   []domain.Reservation
	delivered []domain.DeliveryBatch
}

func (p *recordingPublisher) ReservationCreated(_ context.Context, r domain.Reservation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, r)
	return nil
}

func (p *recordingPublisher) ReservationDelivered(_ context.Context, b domain.DeliveryBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delivered = append(p.delivered, b)
	return nil
}

// faultyStore wraps a store and lets a test inject failures into
// transactions.
type faultyStore struct {
	port.Store
	conflicts      int
	failDeliveries bool
	calls          int
}

func (f *faultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	f.calls++
	if f.conflicts > 0 {
		f.conflicts--
		return domain.ErrTransactionConflict
	}
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failDeliveries: f.failDeliveries})
	})
}

type faultyTx struct {
	port.Tx
	failDeliveries bool
}

func (t *faultyTx) InsertDelivery(ctx context.Context, d domain.Delivery) error {
	if t.failDeliveries && d.MedicineID == metformina {
		return errors.New("disk full")
	}
	return t.Tx.InsertDelivery(ctx, d)
}

func testReservationConfig() config.ReservationConfig {
	return config.ReservationConfig{
		TTL:                config.DefaultReservationTTL,
		Policy:             domain.PolicyStrict,
		CodeLength:         6,
		FallbackCodeLength: 8,
		CodeAttempts:       5,
		MaxTxRetries:       3,
	}
}

type fixture struct {
	mem         *storage.MemoryStore
	clock       *testClock
	cache       *mockCacheRepo
	publisher   *recordingPublisher
	reservation *ReservationService
	fulfillment *FulfillmentService
	ledger      *LedgerService
	inventory   *InventoryService
}

type fixtureOption func(*config.ReservationConfig, *[]Option, *port.Store)

func withPolicy(p domain.ReservationPolicy) fixtureOption {
	return func(c *config.ReservationConfig, _ *[]Option, _ *port.Store) { c.Policy = p }
}

func withCodes(g CodeGenerator) fixtureOption {
	return withOption(WithCodeGenerator(g))
}

func withOption(o Option) fixtureOption {
	return func(_ *config.ReservationConfig, opts *[]Option, _ *port.Store) {
		*opts = append(*opts, o)
	}
}

func withStore(wrap func(port.Store) port.Store) fixtureOption {
	return func(_ *config.ReservationConfig, _ *[]Option, s *port.Store) { *s = wrap(*s) }
}

func newFixture(t *testing.T, fopts ...fixtureOption) *fixture {
	t.Helper()

	mem := storage.NewMemoryStore()
	storage.SeedMemory(mem)

	f := &fixture{
		mem:       mem,
		clock:     &testClock{now: testEpoch},
		cache:     newMockCacheRepo(),
		publisher: &recordingPublisher{},
	}

	cfg := testReservationConfig()
	opts := []Option{WithClock(f.clock.Now)}
	var store port.Store = mem
	for _, fo := range fopts {
		fo(&cfg, &opts, &store)
	}

	log := zap.NewNop()
	f.reservation = NewReservationService(store, f.cache, f.publisher, cfg, log, opts...)
	f.fulfillment = NewFulfillmentService(store, f.publisher, cfg.MaxTxRetries, log, opts...)
	f.ledger = NewLedgerService(store, log, opts...)
	f.inventory = NewInventoryService(store)
	return f
}

func (f *fixture) reserve(t *testing.T, dispenserID int64, items ...domain.ItemRequest) *domain.Reservation {
	t.Helper()
	r, err := f.reservation.Reserve(context.Background(), ReserveRequest{
		PatientID:   patientID,
		DispenserID: dispenserID,
		Items:       items,
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	return r
}

func (f *fixture) used(t *testing.T, medicineID int64) int {
	t.Helper()
	rx, err := f.mem.GetPrescription(context.Background(), patientID, medicineID)
	if err != nil || rx == nil {
		t.Fatalf("prescription %d missing: %v", medicineID, err)
	}
	return rx.UsedUnits
}

func item(medicineID int64, units int) domain.ItemRequest {
	return domain.ItemRequest{MedicineID: medicineID, Units: units}
}

func TestRunTx_RetriesConflicts(t *testing.T) {
	mem := storage.NewMemoryStore()
	store := &faultyStore{Store: mem, conflicts: 2}

	runs := 0
	err := runTx(context.Background(), store, 3, "test", zap.NewNop(), nil, func(context.Context, port.Tx) error {
		runs++
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if store.calls != 3 || runs != 1 {
		t.Errorf("expected 3 attempts and 1 run, got %d/%d", store.calls, runs)
	}
}

func TestRunTx_GivesUp(t *testing.T) {
	store := &faultyStore{Store: storage.NewMemoryStore(), conflicts: 10}

	err := runTx(context.Background(), store, 2, "test", zap.NewNop(), nil, func(context.Context, port.Tx) error {
		return nil
	})
	if !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", store.calls)
	}
}

func TestRunTx_DoesNotRetryOtherErrors(t *testing.T) {
	store := &faultyStore{Store: storage.NewMemoryStore()}

	err := runTx(context.Background(), store, 3, "test", zap.NewNop(), nil, func(context.Context, port.Tx) error {
		return domain.ErrInsufficientStock
	})
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("expected a single attempt, got %d", store.calls)
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  ab3k9z \n"); got != "AB3K9Z" {
		t.Errorf("expected AB3K9Z, got %q", got)
	}
}
