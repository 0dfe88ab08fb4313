package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/attendance"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

// ResolutionKind tags the terminal outcomes of a pending validation.
type ResolutionKind string

const (
	ResolutionMatched          ResolutionKind = "matched"
	ResolutionTapTimeout       ResolutionKind = "tap_timeout"
	ResolutionPresenceTimeout  ResolutionKind = "presence_timeout"
	ResolutionAlreadyCheckedIn ResolutionKind = "already_checked_in"
	ResolutionCheckout         ResolutionKind = "checkout"
)

// Resolution is what the correlator hands the classifier once a pending
// entry leaves the table.
type Resolution struct {
	Kind         ResolutionKind
	Session      session.Session
	Student      roster.Student
	RoomID       string
	TapTime      time.Time
	PresenceTime time.Time
	Flag         attendance.Flag // set for timeouts only
}

// Classifier turns resolutions into attendance and discrepancy records.
// Store failures are retried with bounded backoff; a write that never lands
// is surfaced as a system_error discrepancy, not dropped.
type Classifier struct {
	store    attendance.Store
	notifier Notifier
	attempts int
	backoff  time.Duration
}

// NewClassifier builds a classifier with bounded retry behaviour.
func NewClassifier(store attendance.Store, notifier Notifier, attempts int, backoff time.Duration) *Classifier {
	if attempts <= 0 {
		attempts = 3
	}
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Classifier{store: store, notifier: notifier, attempts: attempts, backoff: backoff}
}

// Apply persists the outcome of one resolution.
func (c *Classifier) Apply(ctx context.Context, res Resolution) error {
	switch res.Kind {
	case ResolutionMatched:
		return c.applyMatched(ctx, res)
	case ResolutionTapTimeout:
		tap := res.TapTime
		return c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:         res.Session.ID,
			StudentID:         res.Student.ID,
			Flag:              res.Flag,
			RFIDTapTime:       &tap,
			ValidationTimeout: true,
		})
	case ResolutionPresenceTimeout:
		sensed := res.PresenceTime
		return c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:         res.Session.ID,
			Flag:              attendance.FlagSensorWithoutRFID,
			SensorTime:        &sensed,
			ValidationTimeout: true,
		})
	case ResolutionAlreadyCheckedIn:
		tap := res.TapTime
		return c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:   res.Session.ID,
			StudentID:   res.Student.ID,
			Flag:        attendance.FlagAlreadyCheckedIn,
			RFIDTapTime: &tap,
		})
	case ResolutionCheckout:
		_, err := c.Checkout(ctx, res.Session, res.Student, res.TapTime)
		return err
	default:
		return fmt.Errorf("unknown resolution kind %q", res.Kind)
	}
}

// applyMatched writes one present/late record, check-in stamped with the tap
// time. A racing duplicate is rejected by the store's uniqueness guard and
// recorded as already_checked_in rather than overwriting.
func (c *Classifier) applyMatched(ctx context.Context, res Resolution) error {
	status, lateBy := Grade(res.TapTime, res.Session.StartTime, res.Session.LateThreshold)
	tap := res.TapTime
	rec := attendance.Record{
		SessionID:     res.Session.ID,
		StudentID:     res.Student.ID,
		Status:        status,
		CheckInTime:   &tap,
		LateByMinutes: lateBy,
	}

	var stored attendance.Record
	err := c.withRetry(ctx, func() error {
		var err error
		stored, err = c.store.RecordAttendance(ctx, rec)
		return err
	})
	if errors.Is(err, attendance.ErrRecordExists) {
		return c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:   res.Session.ID,
			StudentID:   res.Student.ID,
			Flag:        attendance.FlagAlreadyCheckedIn,
			RFIDTapTime: &tap,
		})
	}
	if err != nil {
		return c.systemError(ctx, res, err)
	}

	matchesTotal.Inc()
	c.notifier.Notify(ctx, Notification{
		Type:      NoteAttendanceRecorded,
		SessionID: stored.SessionID,
		StudentID: stored.StudentID,
		RoomID:    res.RoomID,
		Status:    string(stored.Status),
		At:        res.TapTime,
	})
	return nil
}

// Checkout stamps the checkout time on an open record. A checkout with no
// prior check-in is a logical conflict recorded for audit.
func (c *Classifier) Checkout(ctx context.Context, sess session.Session, student roster.Student, at time.Time) (attendance.Record, error) {
	var rec attendance.Record
	err := c.withRetry(ctx, func() error {
		var err error
		rec, err = c.store.SetCheckout(ctx, sess.ID, student.ID, at)
		return err
	})
	if errors.Is(err, attendance.ErrNoRecord) {
		if derr := c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:   sess.ID,
			StudentID:   student.ID,
			Flag:        attendance.FlagCheckoutWithoutCheckin,
			RFIDTapTime: &at,
		}); derr != nil {
			return attendance.Record{}, derr
		}
		return attendance.Record{}, err
	}
	if errors.Is(err, attendance.ErrNotOpen) {
		// Excused or already checked out: same conflict the tap path flags.
		if derr := c.recordDiscrepancy(ctx, attendance.Discrepancy{
			SessionID:   sess.ID,
			StudentID:   student.ID,
			Flag:        attendance.FlagAlreadyCheckedIn,
			RFIDTapTime: &at,
		}); derr != nil {
			return attendance.Record{}, derr
		}
		return attendance.Record{}, err
	}
	if err != nil {
		return attendance.Record{}, c.systemError(ctx, Resolution{Kind: ResolutionCheckout, Session: sess, Student: student, TapTime: at}, err)
	}

	c.notifier.Notify(ctx, Notification{
		Type:      NoteCheckout,
		SessionID: sess.ID,
		StudentID: student.ID,
		Status:    string(rec.Status),
		At:        at,
	})
	return rec, nil
}

func (c *Classifier) recordDiscrepancy(ctx context.Context, d attendance.Discrepancy) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	var stored attendance.Discrepancy
	err := c.withRetry(ctx, func() error {
		var err error
		stored, err = c.store.RecordDiscrepancy(ctx, d)
		return err
	})
	if err != nil {
		log.Printf("classifier: discrepancy write failed permanently (%s %s/%s): %v", d.Flag, d.SessionID, d.StudentID, err)
		c.notifier.Notify(ctx, Notification{
			Type:      NoteSystemError,
			SessionID: d.SessionID,
			StudentID: d.StudentID,
			Flag:      string(attendance.FlagSystemError),
			At:        d.CreatedAt,
		})
		return err
	}

	discrepanciesTotal.WithLabelValues(string(stored.Flag)).Inc()
	c.notifier.Notify(ctx, Notification{
		Type:      NoteDiscrepancyCreated,
		SessionID: stored.SessionID,
		StudentID: stored.StudentID,
		Flag:      string(stored.Flag),
		At:        stored.CreatedAt,
	})
	return nil
}

// systemError records an infrastructure failure as its own discrepancy so
// operations can see it; the original outcome is already lost to the store.
func (c *Classifier) systemError(ctx context.Context, res Resolution, cause error) error {
	log.Printf("classifier: %s for %s/%s failed permanently: %v", res.Kind, res.Session.ID, res.Student.ID, cause)
	d := attendance.Discrepancy{
		SessionID: res.Session.ID,
		StudentID: res.Student.ID,
		Flag:      attendance.FlagSystemError,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := c.store.RecordDiscrepancy(ctx, d); err != nil {
		log.Printf("classifier: system_error discrepancy also failed: %v", err)
	} else {
		discrepanciesTotal.WithLabelValues(string(attendance.FlagSystemError)).Inc()
	}
	c.notifier.Notify(ctx, Notification{
		Type:      NoteSystemError,
		SessionID: res.Session.ID,
		StudentID: res.Student.ID,
		Flag:      string(attendance.FlagSystemError),
		At:        time.Now().UTC(),
	})
	return cause
}

// withRetry runs op with bounded backoff. Logical conflicts are not retried:
// they are outcomes, not failures.
func (c *Classifier) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, attendance.ErrRecordExists) || errors.Is(err, attendance.ErrNoRecord) ||
			errors.Is(err, attendance.ErrNotOpen) || errors.Is(err, attendance.ErrNotFound) {
			return err
		}
		select {
		case <-time.After(c.backoff << attempt):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Grade decides present vs late by comparing the tap to the session start
// plus the configured threshold. LateByMinutes counts whole minutes past the
// session start, zero when on time.
func Grade(tapTime, sessionStart time.Time, lateThreshold time.Duration) (attendance.Status, int) {
	if tapTime.After(sessionStart.Add(lateThreshold)) {
		return attendance.StatusLate, int(tapTime.Sub(sessionStart).Minutes())
	}
	return attendance.StatusPresent, 0
}
