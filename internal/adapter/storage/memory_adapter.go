package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

type stockKey struct{ dispenserID, medicineID int64 }

type rxKey struct{ patientID, medicineID int64 }

type memState struct {
	medicines     map[int64]domain.Medicine
	dispensers    map[int64]domain.Dispenser
	inventory     map[stockKey]int
	prescriptions map[rxKey]domain.Prescription
	reservations  map[string]domain.Reservation
	deliveries    []domain.Delivery
	nextRxID      int64
}

func (s *memState) clone() *memState {
	c := &memState{
		medicines:     make(map[int64]domain.Medicine, len(s.medicines)),
		dispensers:    make(map[int64]domain.Dispenser, len(s.dispensers)),
		inventory:     make(map[stockKey]int, len(s.inventory)),
		prescriptions: make(map[rxKey]domain.Prescription, len(s.prescriptions)),
		reservations:  make(map[string]domain.Reservation, len(s.reservations)),
		deliveries:    slices.Clone(s.deliveries),
		nextRxID:      s.nextRxID,
	}
	for k, v := range s.medicines {
		c.medicines[k] = v
	}
	for k, v := range s.dispensers {
		c.dispensers[k] = v
	}
	for k, v := range s.inventory {
		c.inventory[k] = v
	}
	for k, v := range s.prescriptions {
		c.prescriptions[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

// MemoryStore keeps all state in process. Transactions are serialized and
// applied copy-on-write, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

var _ port.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		medicines:     make(map[int64]domain.Medicine),
		dispensers:    make(map[int64]domain.Dispenser),
		inventory:     make(map[stockKey]int),
		prescriptions: make(map[rxKey]domain.Prescription),
		reservations:  make(map[string]domain.Reservation),
	}}
}

func (m *MemoryStore) PutMedicine(med domain.Medicine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.medicines[med.ID] = med
}

func (m *MemoryStore) PutDispenser(d domain.Dispenser) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.dispensers[d.ID] = d
}

func (m *MemoryStore) SetStock(dispenserID, medicineID int64, units int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.inventory[stockKey{dispenserID, medicineID}] = units
}

// Stock reports the units on hand, 0 when there is no row.
func (m *MemoryStore) Stock(dispenserID, medicineID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.inventory[stockKey{dispenserID, medicineID}]
}

// PutPrescription inserts or replaces the prescription of the pair.
func (m *MemoryStore) PutPrescription(p domain.Prescription) domain.Prescription {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rxKey{p.PatientID, p.MedicineID}
	if existing, ok := m.state.prescriptions[key]; ok {
		p.ID = existing.ID
	} else if p.ID == 0 {
		m.state.nextRxID++
		p.ID = m.state.nextRxID
	}
	p.Medicine = domain.Medicine{}
	m.state.prescriptions[key] = p
	return p
}

// Deliveries returns every recorded delivery in insertion order.
func (m *MemoryStore) Deliveries() []domain.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.deliveries)
}

// Reservation returns the stored reservation with id.
func (m *MemoryStore) Reservation(id string) (domain.Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.reservations[id]
	return r, ok
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := m.state.clone()
	if err := fn(ctx, &memTx{st: draft}); err != nil {
		return err
	}
	m.state = draft
	return nil
}

func (m *MemoryStore) GetPrescription(_ context.Context, patientID, medicineID int64) (*domain.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.state.prescriptions[rxKey{patientID, medicineID}]
	if !ok {
		return nil, nil
	}
	p.Medicine = m.state.medicines[medicineID]
	return &p, nil
}

func (m *MemoryStore) ListPrescriptions(_ context.Context, patientID int64) ([]domain.Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Prescription{}
	for key, p := range m.state.prescriptions {
		if key.patientID != patientID {
			continue
		}
		p.Medicine = m.state.medicines[p.MedicineID]
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Prescription) int { return cmp.Compare(a.MedicineID, b.MedicineID) })
	return out, nil
}

func (m *MemoryStore) ReservedUnitsByMedicine(_ context.Context, patientID int64, now time.Time) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]int)
	for _, r := range m.state.reservations {
		if r.PatientID != patientID || r.Status != domain.ReservationStatusPending || r.IsExpired(now) {
			continue
		}
		for _, item := range r.Items {
			out[item.MedicineID] += item.Units
		}
	}
	return out, nil
}

func (m *MemoryStore) ListStock(_ context.Context, filter domain.StockFilter) ([]domain.StockLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.StockLevel{}
	for key, units := range m.state.inventory {
		if units <= 0 {
			continue
		}
		if filter.DispenserID != 0 && key.dispenserID != filter.DispenserID {
			continue
		}
		if len(filter.MedicineIDs) > 0 && !slices.Contains(filter.MedicineIDs, key.medicineID) {
			continue
		}
		out = append(out, domain.StockLevel{
			Dispenser: m.state.dispensers[key.dispenserID],
			Medicine:  m.state.medicines[key.medicineID],
			Units:     units,
		})
	}
	slices.SortFunc(out, func(a, b domain.StockLevel) int {
		if c := cmp.Compare(a.Dispenser.ID, b.Dispenser.ID); c != 0 {
			return c
		}
		return cmp.Compare(a.Medicine.ID, b.Medicine.ID)
	})
	return out, nil
}

func (m *MemoryStore) GetReservationByCode(_ context.Context, code string) (*domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := m.state.findByCode(code)
	if r == nil {
		return nil, nil
	}

	items := make([]domain.ReservationItem, len(r.Items))
	for i, item := range r.Items {
		item.Medicine = m.state.medicines[item.MedicineID]
		items[i] = item
	}
	r.Items = items
	r.Dispenser = m.state.dispensers[r.DispenserID]
	return r, nil
}

func (m *MemoryStore) ListDeliveries(_ context.Context, patientID int64) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []domain.Delivery{}
	for i := len(m.state.deliveries) - 1; i >= 0; i-- {
		d := m.state.deliveries[i]
		if d.PatientID != patientID {
			continue
		}
		d.Dispenser = m.state.dispensers[d.DispenserID]
		d.Medicine = m.state.medicines[d.MedicineID]
		out = append(out, d)
	}
	slices.SortStableFunc(out, func(a, b domain.Delivery) int { return b.DeliveredAt.Compare(a.DeliveredAt) })
	return out, nil
}

// findByCode prefers the pending reservation, else the most recently created.
func (s *memState) findByCode(code string) *domain.Reservation {
	var found *domain.Reservation
	for _, r := range s.reservations {
		if r.Code != code {
			continue
		}
		if r.Status == domain.ReservationStatusPending {
			return &r
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = &r
		}
	}
	return found
}

type memTx struct {
	st *memState
}

func (t *memTx) DispenserExists(_ context.Context, dispenserID int64) (bool, error) {
	_, ok := t.st.dispensers[dispenserID]
	return ok, nil
}

func (t *memTx) MedicineExists(_ context.Context, medicineID int64) (bool, error) {
	_, ok := t.st.medicines[medicineID]
	return ok, nil
}

func (t *memTx) ReleaseExpired(_ context.Context, dispenserID int64, now time.Time) (int, error) {
	released := 0
	for id, r := range t.st.reservations {
		if r.DispenserID != dispenserID || r.Status != domain.ReservationStatusPending || !r.IsExpired(now) {
			continue
		}
		for _, item := range r.Items {
			t.st.inventory[stockKey{dispenserID, item.MedicineID}] += item.Units
		}
		r.Status = domain.ReservationStatusExpired
		t.st.reservations[id] = r
		released++
	}
	return released, nil
}

func (t *memTx) LockPrescription(_ context.Context, patientID, medicineID int64) (*domain.Prescription, error) {
	p, ok := t.st.prescriptions[rxKey{patientID, medicineID}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (t *memTx) ReservedUnits(_ context.Context, patientID, medicineID int64, now time.Time) (int, error) {
	total := 0
	for _, r := range t.st.reservations {
		if r.PatientID != patientID || r.Status != domain.ReservationStatusPending || r.IsExpired(now) {
			continue
		}
		for _, item := range r.Items {
			if item.MedicineID == medicineID {
				total += item.Units
			}
		}
	}
	return total, nil
}

func (t *memTx) LockStock(_ context.Context, dispenserID, medicineID int64) (int, error) {
	return t.st.inventory[stockKey{dispenserID, medicineID}], nil
}

func (t *memTx) DebitStock(_ context.Context, dispenserID, medicineID int64, units int) (bool, error) {
	key := stockKey{dispenserID, medicineID}
	current, ok := t.st.inventory[key]
	if !ok || current < units {
		return false, nil
	}
	t.st.inventory[key] = current - units
	return true, nil
}

func (t *memTx) CodeInUse(_ context.Context, code string) (bool, error) {
	for _, r := range t.st.reservations {
		if r.Code == code && r.Status == domain.ReservationStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	inUse, err := t.CodeInUse(ctx, r.Code)
	if err != nil {
		return err
	}
	if inUse {
		return domain.ErrCodeCollision
	}
	items := make([]domain.ReservationItem, len(r.Items))
	for i, item := range r.Items {
		items[i] = domain.ReservationItem{MedicineID: item.MedicineID, Units: item.Units}
	}
	r.Items = items
	r.Dispenser = domain.Dispenser{}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *memTx) LockReservationByCode(_ context.Context, code string) (*domain.Reservation, error) {
	return t.st.findByCode(code), nil
}

func (t *memTx) AddUsedUnits(_ context.Context, patientID, medicineID int64, units int) (bool, error) {
	key := rxKey{patientID, medicineID}
	p, ok := t.st.prescriptions[key]
	if !ok || p.UsedUnits+units > p.MaxUnits {
		return false, nil
	}
	p.UsedUnits += units
	t.st.prescriptions[key] = p
	return true, nil
}

func (t *memTx) InsertDelivery(_ context.Context, d domain.Delivery) error {
	d.Dispenser = domain.Dispenser{}
	d.Medicine = domain.Medicine{}
	t.st.deliveries = append(t.st.deliveries, d)
	return nil
}

func (t *memTx) MarkDelivered(_ context.Context, reservationID string, at time.Time) (bool, error) {
	r, ok := t.st.reservations[reservationID]
	if !ok || r.Status != domain.ReservationStatusPending {
		return false, nil
	}
	r.Status = domain.ReservationStatusDelivered
	r.DeliveredAt = &at
	t.st.reservations[reservationID] = r
	return true, nil
}

func (t *memTx) DeliveredUnits(_ context.Context, patientID, medicineID int64) (int, error) {
	total := 0
	for _, d := range t.st.deliveries {
		if d.PatientID == patientID && d.MedicineID == medicineID {
			total += d.Units
		}
	}
	return total, nil
}

func (t *memTx) SetUsedUnits(_ context.Context, patientID, medicineID int64, used int) error {
	key := rxKey{patientID, medicineID}
	p, ok := t.st.prescriptions[key]
	if !ok {
		return domain.ErrPrescriptionNotFound
	}
	p.UsedUnits = used
	t.st.prescriptions[key] = p
	return nil
}
