package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/medistock/internal/core/domain"
	"github.com/rl1809/medistock/internal/port"
)

const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type MySQLAdapter struct {
	db *sql.DB
}

var _ port.Store = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// classify maps lock conflicts reported by InnoDB to the retryable domain error.
func classify(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == errDeadlock || me.Number == errLockWaitTimeout) {
		return fmt.Errorf("%w: %w", domain.ErrTransactionConflict, err)
	}
	return err
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDuplicateEntry
}

// WithinTx runs fn at READ COMMITTED. Rows that decide a mutation are read
// with FOR UPDATE, so the check and the write happen under the same lock.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classify(err))
	}
	return nil
}

const prescriptionColumns = `p.id, p.patient_id, p.medicine_id, p.rx_number, p.max_units, p.used_units,
	p.valid_until, p.dosage, p.frequency`

func scanPrescription(row scanner, extra ...any) (*domain.Prescription, error) {
	var p domain.Prescription
	var validUntil sql.NullTime

	dest := append([]any{
		&p.ID, &p.PatientID, &p.MedicineID, &p.RxNumber, &p.MaxUnits, &p.UsedUnits,
		&validUntil, &p.Dosage, &p.Frequency,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if validUntil.Valid {
		p.ValidUntil = &validUntil.Time
	}
	return &p, nil
}

func (m *MySQLAdapter) GetPrescription(ctx context.Context, patientID, medicineID int64) (*domain.Prescription, error) {
	var med domain.Medicine
	row := m.db.QueryRowContext(ctx, `
		SELECT `+prescriptionColumns+`, m.id, m.code, m.atc, m.name, m.form, m.strength
		FROM prescriptions p JOIN medicines m ON m.id = p.medicine_id
		WHERE p.patient_id = ? AND p.medicine_id = ?`, patientID, medicineID)

	p, err := scanPrescription(row, &med.ID, &med.Code, &med.ATC, &med.Name, &med.Form, &med.Strength)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query prescription: %w", err)
	}
	p.Medicine = med
	return p, nil
}

func (m *MySQLAdapter) ListPrescriptions(ctx context.Context, patientID int64) ([]domain.Prescription, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+prescriptionColumns+`, m.id, m.code, m.atc, m.name, m.form, m.strength
		FROM prescriptions p JOIN medicines m ON m.id = p.medicine_id
		WHERE p.patient_id = ?
		ORDER BY p.medicine_id`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query prescriptions: %w", err)
	}
	defer rows.Close()

	out := []domain.Prescription{}
	for rows.Next() {
		var med domain.Medicine
		p, err := scanPrescription(rows, &med.ID, &med.Code, &med.ATC, &med.Name, &med.Form, &med.Strength)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		p.Medicine = med
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ReservedUnitsByMedicine(ctx context.Context, patientID int64, now time.Time) (map[int64]int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT ri.medicine_id, SUM(ri.units)
		FROM reservations r JOIN reservation_items ri ON ri.reservation_id = r.id
		WHERE r.patient_id = ? AND r.status = 'PENDING' AND r.expires_at >= ?
		GROUP BY ri.medicine_id`, patientID, now)
	if err != nil {
		return nil, fmt.Errorf("query reserved units: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]int)
	for rows.Next() {
		var medicineID int64
		var units int
		if err := rows.Scan(&medicineID, &units); err != nil {
			return nil, fmt.Errorf("scan reserved units: %w", err)
		}
		out[medicineID] = units
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListStock(ctx context.Context, filter domain.StockFilter) ([]domain.StockLevel, error) {
	var sb strings.Builder
	args := []any{}

	sb.WriteString(`
		SELECT d.id, d.code, d.name, d.city, d.location, d.lat, d.lng, d.open_days, d.open_hour, d.close_hour,
			m.id, m.code, m.atc, m.name, m.form, m.strength, i.units
		FROM inventory i
		JOIN dispensers d ON d.id = i.dispenser_id
		JOIN medicines m ON m.id = i.medicine_id
		WHERE i.units > 0`)
	if filter.DispenserID != 0 {
		sb.WriteString(` AND i.dispenser_id = ?`)
		args = append(args, filter.DispenserID)
	}
	if len(filter.MedicineIDs) > 0 {
		sb.WriteString(` AND i.medicine_id IN (?` + strings.Repeat(`, ?`, len(filter.MedicineIDs)-1) + `)`)
		for _, id := range filter.MedicineIDs {
			args = append(args, id)
		}
	}
	sb.WriteString(` ORDER BY d.id, m.id`)

	rows, err := m.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query stock: %w", err)
	}
	defer rows.Close()

	out := []domain.StockLevel{}
	for rows.Next() {
		var s domain.StockLevel
		d, med := &s.Dispenser, &s.Medicine
		if err := rows.Scan(
			&d.ID, &d.Code, &d.Name, &d.City, &d.Location, &d.Lat, &d.Lng, &d.OpenDays, &d.OpenHour, &d.CloseHour,
			&med.ID, &med.Code, &med.ATC, &med.Name, &med.Form, &med.Strength, &s.Units,
		); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const reservationColumns = `r.id, r.code, r.patient_id, r.dispenser_id, r.status, r.created_at, r.expires_at, r.delivered_at`

func scanReservation(row scanner, extra ...any) (*domain.Reservation, error) {
	var r domain.Reservation
	var deliveredAt sql.NullTime

	dest := append([]any{
		&r.ID, &r.Code, &r.PatientID, &r.DispenserID, &r.Status, &r.CreatedAt, &r.ExpiresAt, &deliveredAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if deliveredAt.Valid {
		r.DeliveredAt = &deliveredAt.Time
	}
	return &r, nil
}

func loadItems(ctx context.Context, q querier, reservationID string) ([]domain.ReservationItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ri.medicine_id, ri.units, m.id, m.code, m.atc, m.name, m.form, m.strength
		FROM reservation_items ri JOIN medicines m ON m.id = ri.medicine_id
		WHERE ri.reservation_id = ?
		ORDER BY ri.medicine_id`, reservationID)
	if err != nil {
		return nil, fmt.Errorf("query reservation items: %w", err)
	}
	defer rows.Close()

	var items []domain.ReservationItem
	for rows.Next() {
		var item domain.ReservationItem
		med := &item.Medicine
		if err := rows.Scan(&item.MedicineID, &item.Units, &med.ID, &med.Code, &med.ATC, &med.Name, &med.Form, &med.Strength); err != nil {
			return nil, fmt.Errorf("scan reservation item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) GetReservationByCode(ctx context.Context, code string) (*domain.Reservation, error) {
	var d domain.Dispenser
	row := m.db.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`, d.id, d.code, d.name, d.city, d.location, d.lat, d.lng
		FROM reservations r JOIN dispensers d ON d.id = r.dispenser_id
		WHERE r.code = ?
		ORDER BY (r.status = 'PENDING') DESC, r.created_at DESC
		LIMIT 1`, code)

	r, err := scanReservation(row, &d.ID, &d.Code, &d.Name, &d.City, &d.Location, &d.Lat, &d.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	r.Dispenser = d

	if r.Items, err = loadItems(ctx, m.db, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (m *MySQLAdapter) ListDeliveries(ctx context.Context, patientID int64) ([]domain.Delivery, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT dl.id, dl.reservation_id, dl.patient_id, dl.dispenser_id, dl.medicine_id, dl.units, dl.delivered_at,
			d.id, d.code, d.name, m.id, m.code, m.name, m.form, m.strength
		FROM deliveries dl
		JOIN dispensers d ON d.id = dl.dispenser_id
		JOIN medicines m ON m.id = dl.medicine_id
		WHERE dl.patient_id = ?
		ORDER BY dl.delivered_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	out := []domain.Delivery{}
	for rows.Next() {
		var dl domain.Delivery
		if err := rows.Scan(
			&dl.ID, &dl.ReservationID, &dl.PatientID, &dl.DispenserID, &dl.MedicineID, &dl.Units, &dl.DeliveredAt,
			&dl.Dispenser.ID, &dl.Dispenser.Code, &dl.Dispenser.Name,
			&dl.Medicine.ID, &dl.Medicine.Code, &dl.Medicine.Name, &dl.Medicine.Form, &dl.Medicine.Strength,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// GetInventory returns nil, nil when the dispenser has no row for the medicine.
func (m *MySQLAdapter) GetInventory(ctx context.Context, dispenserID, medicineID int64) (*domain.Inventory, error) {
	var inv domain.Inventory
	err := m.db.QueryRowContext(ctx, `
		SELECT dispenser_id, medicine_id, units, version, updated_at
		FROM inventory WHERE dispenser_id = ? AND medicine_id = ?`, dispenserID, medicineID,
	).Scan(&inv.DispenserID, &inv.MedicineID, &inv.Units, &inv.Version, &inv.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inventory: %w", err)
	}
	return &inv, nil
}

// SetStock overwrites the units on hand. It is a restocking tool and must not
// be used while reservations against the row are in flight.
func (m *MySQLAdapter) SetStock(ctx context.Context, dispenserID, medicineID int64, units int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO inventory (dispenser_id, medicine_id, units, version) VALUES (?, ?, ?, 0)
		ON DUPLICATE KEY UPDATE units = VALUES(units), version = version + 1`,
		dispenserID, medicineID, units,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", err)
	}
	return nil
}

// PutPrescription inserts the prescription of the pair or resets an existing
// one to the given limits.
func (m *MySQLAdapter) PutPrescription(ctx context.Context, p domain.Prescription) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO prescriptions (patient_id, rx_number, medicine_id, max_units, used_units, valid_until, dosage, frequency)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE rx_number = VALUES(rx_number), max_units = VALUES(max_units),
			used_units = VALUES(used_units), valid_until = VALUES(valid_until)`,
		p.PatientID, p.RxNumber, p.MedicineID, p.MaxUnits, p.UsedUnits, p.ValidUntil, p.Dosage, p.Frequency,
	)
	if err != nil {
		return fmt.Errorf("put prescription: %w", err)
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *mysqlTx) DispenserExists(ctx context.Context, dispenserID int64) (bool, error) {
	return t.exists(ctx, `SELECT 1 FROM dispensers WHERE id = ?`, dispenserID)
}

func (t *mysqlTx) MedicineExists(ctx context.Context, medicineID int64) (bool, error) {
	return t.exists(ctx, `SELECT 1 FROM medicines WHERE id = ?`, medicineID)
}

func (t *mysqlTx) ReleaseExpired(ctx context.Context, dispenserID int64, now time.Time) (int, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE dispenser_id = ? AND status = 'PENDING' AND expires_at < ?
		FOR UPDATE`, dispenserID, now)
	if err != nil {
		return 0, fmt.Errorf("query expired reservations: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired reservation: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		// One reservation holds each medicine at most once, so the join
		// touches every inventory row a single time.
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE inventory i JOIN reservation_items ri ON ri.medicine_id = i.medicine_id
			SET i.units = i.units + ri.units, i.version = i.version + 1
			WHERE i.dispenser_id = ? AND ri.reservation_id = ?`, dispenserID, id); err != nil {
			return 0, fmt.Errorf("restore stock: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE reservations SET status = 'EXPIRED' WHERE id = ? AND status = 'PENDING'`, id); err != nil {
			return 0, fmt.Errorf("expire reservation: %w", err)
		}
	}
	return len(ids), nil
}

func (t *mysqlTx) LockPrescription(ctx context.Context, patientID, medicineID int64) (*domain.Prescription, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+prescriptionColumns+`
		FROM prescriptions p
		WHERE p.patient_id = ? AND p.medicine_id = ?
		FOR UPDATE`, patientID, medicineID)

	p, err := scanPrescription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock prescription: %w", err)
	}
	return p, nil
}

func (t *mysqlTx) ReservedUnits(ctx context.Context, patientID, medicineID int64, now time.Time) (int, error) {
	var units int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(ri.units), 0)
		FROM reservations r JOIN reservation_items ri ON ri.reservation_id = r.id
		WHERE r.patient_id = ? AND r.status = 'PENDING' AND r.expires_at >= ? AND ri.medicine_id = ?`,
		patientID, now, medicineID,
	).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("sum reserved units: %w", err)
	}
	return units, nil
}

func (t *mysqlTx) LockStock(ctx context.Context, dispenserID, medicineID int64) (int, error) {
	var units int
	err := t.tx.QueryRowContext(ctx, `
		SELECT units FROM inventory WHERE dispenser_id = ? AND medicine_id = ? FOR UPDATE`,
		dispenserID, medicineID,
	).Scan(&units)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock stock: %w", err)
	}
	return units, nil
}

func (t *mysqlTx) DebitStock(ctx context.Context, dispenserID, medicineID int64, units int) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory
		SET units = units - ?, version = version + 1
		WHERE dispenser_id = ? AND medicine_id = ? AND units >= ?`,
		units, dispenserID, medicineID, units,
	)
	if err != nil {
		return false, fmt.Errorf("update inventory: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *mysqlTx) CodeInUse(ctx context.Context, code string) (bool, error) {
	return t.exists(ctx, `SELECT 1 FROM reservations WHERE active_code = ? LIMIT 1`, code)
}

func (t *mysqlTx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, patient_id, dispenser_id, code, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.PatientID, r.DispenserID, r.Code, r.Status, r.CreatedAt, r.ExpiresAt,
	)
	if isDuplicate(err) {
		return domain.ErrCodeCollision
	}
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}

	for _, item := range r.Items {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO reservation_items (reservation_id, medicine_id, units) VALUES (?, ?, ?)`,
			r.ID, item.MedicineID, item.Units,
		); err != nil {
			return fmt.Errorf("insert reservation item: %w", err)
		}
	}
	return nil
}

func (t *mysqlTx) LockReservationByCode(ctx context.Context, code string) (*domain.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM reservations r
		WHERE r.code = ?
		ORDER BY (r.status = 'PENDING') DESC, r.created_at DESC
		LIMIT 1
		FOR UPDATE`, code)

	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock reservation: %w", err)
	}

	if r.Items, err = loadItems(ctx, t.tx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (t *mysqlTx) AddUsedUnits(ctx context.Context, patientID, medicineID int64, units int) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE prescriptions
		SET used_units = used_units + ?
		WHERE patient_id = ? AND medicine_id = ? AND used_units + ? <= max_units`,
		units, patientID, medicineID, units,
	)
	if err != nil {
		return false, fmt.Errorf("update prescription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *mysqlTx) InsertDelivery(ctx context.Context, d domain.Delivery) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deliveries (id, reservation_id, patient_id, dispenser_id, medicine_id, units, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ReservationID, d.PatientID, d.DispenserID, d.MedicineID, d.Units, d.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (t *mysqlTx) MarkDelivered(ctx context.Context, reservationID string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE reservations SET status = 'DELIVERED', delivered_at = ?
		WHERE id = ? AND status = 'PENDING'`, at, reservationID)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (t *mysqlTx) DeliveredUnits(ctx context.Context, patientID, medicineID int64) (int, error) {
	var units int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(units), 0) FROM deliveries WHERE patient_id = ? AND medicine_id = ?`,
		patientID, medicineID,
	).Scan(&units)
	if err != nil {
		return 0, fmt.Errorf("sum deliveries: %w", err)
	}
	return units, nil
}

func (t *mysqlTx) SetUsedUnits(ctx context.Context, patientID, medicineID int64, used int) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE prescriptions SET used_units = ? WHERE patient_id = ? AND medicine_id = ?`,
		used, patientID, medicineID,
	)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	return nil
}
