// Package attendance persists the terminal outcomes of the validation
// engine: attendance records and discrepancy records. Both are append-only;
// records only ever gain a checkout time or an excusal, discrepancies only
// flip open -> resolved.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status of an attendance record.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusExcused Status = "excused"
)

// Flag classifies a discrepancy.
type Flag string

const (
	FlagGhostTap               Flag = "ghost_tap"
	FlagSensorWithoutRFID      Flag = "sensor_without_rfid"
	FlagValidationTimeout      Flag = "validation_timeout"
	FlagSystemError            Flag = "system_error"
	FlagCheckoutWithoutCheckin Flag = "checkout_without_checkin"
	FlagAlreadyCheckedIn       Flag = "already_checked_in"
)

// DiscrepancyStatus tracks administrative review.
type DiscrepancyStatus string

const (
	DiscrepancyOpen     DiscrepancyStatus = "open"
	DiscrepancyResolved DiscrepancyStatus = "resolved"
)

// Record is one student's attendance outcome in one session.
type Record struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	StudentID     string     `json:"student_id"`
	Status        Status     `json:"status"`
	CheckInTime   *time.Time `json:"check_in_time,omitempty"`
	CheckOutTime  *time.Time `json:"check_out_time,omitempty"`
	LateByMinutes int        `json:"late_by_minutes"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Discrepancy is one failed or suspicious correlation, kept for audit.
// StudentID is empty for sensor_without_rfid (no identity to attach).
type Discrepancy struct {
	ID                string            `json:"id"`
	SessionID         string            `json:"session_id"`
	StudentID         string            `json:"student_id,omitempty"`
	Flag              Flag              `json:"flag"`
	RFIDTapTime       *time.Time        `json:"rfid_tap_time,omitempty"`
	SensorTime        *time.Time        `json:"sensor_time,omitempty"`
	ValidationTimeout bool              `json:"validation_timeout"`
	Status            DiscrepancyStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
}

var (
	// ErrRecordExists guards the one-record-per-(session,student) invariant.
	ErrRecordExists = errors.New("attendance record already exists")
	// ErrNoRecord is returned by checkout/excusal paths with nothing to act on.
	ErrNoRecord = errors.New("no attendance record")
	// ErrNotOpen guards checkout: the record exists but is excused or
	// already checked out, so there is nothing left to close.
	ErrNotOpen = errors.New("attendance record not open")
	// ErrNotFound is returned for unknown discrepancy ids.
	ErrNotFound = errors.New("not found")
)

// Store is the engine's persistence boundary.
type Store interface {
	// RecordAttendance appends a record; ErrRecordExists when one already
	// exists for (SessionID, StudentID), which the caller treats as a
	// double check-in rather than overwriting.
	RecordAttendance(ctx context.Context, rec Record) (Record, error)
	// GetRecord fetches the record for (sessionID, studentID), ErrNoRecord
	// when absent.
	GetRecord(ctx context.Context, sessionID, studentID string) (Record, error)
	// SetCheckout stamps the checkout time on an open present/late record;
	// ErrNotOpen for excused or already checked-out records.
	SetCheckout(ctx context.Context, sessionID, studentID string, at time.Time) (Record, error)
	// Excuse transitions an absent student (no record) to excused.
	Excuse(ctx context.Context, sessionID, studentID string) (Record, error)
	// RecordDiscrepancy appends a discrepancy. Idempotent: replays with the
	// same (session, student, flag, second-bucketed createdAt) return the
	// already stored row.
	RecordDiscrepancy(ctx context.Context, d Discrepancy) (Discrepancy, error)
	// ListRecords returns a session's attendance records.
	ListRecords(ctx context.Context, sessionID string) ([]Record, error)
	// ListDiscrepancies returns discrepancies created in [from, to).
	ListDiscrepancies(ctx context.Context, from, to time.Time) ([]Discrepancy, error)
	// MarkResolved flips a discrepancy open -> resolved. The flag is immutable.
	MarkResolved(ctx context.Context, id string) error
}

// dedupKey buckets discrepancy writes by second so at-least-once delivery
// from upstream retries cannot produce duplicate rows.
func dedupKey(d Discrepancy) string {
	return fmt.Sprintf("%s|%s|%s|%d", d.SessionID, d.StudentID, d.Flag, d.CreatedAt.UTC().Unix())
}
