package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Postgres persists attendance data in Postgres. The unique constraints on
// (session_id, student_id) and on dedup_key are the storage-layer guards
// behind the engine's per-key serialization.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a store backed by the shared database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// RecordAttendance implements Store.
func (p *Postgres) RecordAttendance(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, check_in_time, check_out_time, late_by_minutes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.CheckInTime, rec.CheckOutTime, rec.LateByMinutes, rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, ErrRecordExists
	}
	return rec, nil
}

// GetRecord implements Store.
func (p *Postgres) GetRecord(ctx context.Context, sessionID, studentID string) (Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, status, check_in_time, check_out_time, late_by_minutes, created_at
		FROM attendance_records
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID)
	return scanRecord(row)
}

// SetCheckout implements Store.
func (p *Postgres) SetCheckout(ctx context.Context, sessionID, studentID string, at time.Time) (Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET check_out_time = $3
		WHERE session_id = $1 AND student_id = $2
		  AND status IN ('present', 'late') AND check_out_time IS NULL
		RETURNING id, session_id, student_id, status, check_in_time, check_out_time, late_by_minutes, created_at
	`, sessionID, studentID, at)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNoRecord) {
		// Distinguish a missing record from one that is already closed.
		if _, gerr := p.GetRecord(ctx, sessionID, studentID); gerr == nil {
			return Record{}, ErrNotOpen
		}
		return Record{}, ErrNoRecord
	}
	return rec, err
}

// Excuse implements Store.
func (p *Postgres) Excuse(ctx context.Context, sessionID, studentID string) (Record, error) {
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    StatusExcused,
		CreatedAt: time.Now().UTC(),
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, late_by_minutes, created_at)
		VALUES ($1,$2,$3,$4,0,$5)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.ID, rec.SessionID, rec.StudentID, rec.Status, rec.CreatedAt)
	if err != nil {
		return Record{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return Record{}, err
	} else if n == 0 {
		return Record{}, ErrRecordExists
	}
	return rec, nil
}

// RecordDiscrepancy implements Store.
func (p *Postgres) RecordDiscrepancy(ctx context.Context, d Discrepancy) (Discrepancy, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DiscrepancyOpen
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var studentID any
	if d.StudentID != "" {
		studentID = d.StudentID
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO discrepancies (id, session_id, student_id, flag, rfid_tap_time, sensor_time, validation_timeout, status, created_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (dedup_key) DO NOTHING
	`, d.ID, d.SessionID, studentID, d.Flag, d.RFIDTapTime, d.SensorTime, d.ValidationTimeout, d.Status, d.CreatedAt, dedupKey(d))
	if err != nil {
		return Discrepancy{}, err
	}
	// A replay hits the dedup_key conflict; return the stored row either way.
	row := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, COALESCE(student_id, ''), flag, rfid_tap_time, sensor_time, validation_timeout, status, created_at
		FROM discrepancies WHERE dedup_key = $1
	`, dedupKey(d))
	return scanDiscrepancy(row)
}

// ListRecords implements Store.
func (p *Postgres) ListRecords(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, status, check_in_time, check_out_time, late_by_minutes, created_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListDiscrepancies implements Store.
func (p *Postgres) ListDiscrepancies(ctx context.Context, from, to time.Time) ([]Discrepancy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, COALESCE(student_id, ''), flag, rfid_tap_time, sensor_time, validation_timeout, status, created_at
		FROM discrepancies
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkResolved implements Store.
func (p *Postgres) MarkResolved(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE discrepancies SET status = 'resolved' WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.Status, &rec.CheckInTime, &rec.CheckOutTime, &rec.LateByMinutes, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNoRecord
		}
		return Record{}, err
	}
	return rec, nil
}

func scanDiscrepancy(row rowScanner) (Discrepancy, error) {
	var d Discrepancy
	if err := row.Scan(&d.ID, &d.SessionID, &d.StudentID, &d.Flag, &d.RFIDTapTime, &d.SensorTime, &d.ValidationTimeout, &d.Status, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Discrepancy{}, ErrNotFound
		}
		return Discrepancy{}, err
	}
	return d, nil
}
