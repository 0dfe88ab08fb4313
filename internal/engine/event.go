// Package engine implements the attendance validation engine: it correlates
// RFID taps (identity) with presence detections (liveness) inside a bounded
// window, and classifies every failure to correlate into a discrepancy.
package engine

import (
	"errors"
	"time"
)

// Kind discriminates the two device signals the engine consumes.
type Kind string

const (
	KindRFIDTap  Kind = "rfid_tap"
	KindPresence Kind = "presence_detected"
)

// RawEvent is the already-parsed device event handed over by the transport
// layer. Ephemeral, consumed once; EventID makes retried deliveries safe.
type RawEvent struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	RoomID     string    `json:"room_id"`
	Kind       Kind      `json:"kind"`
	CardID     string    `json:"card_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PendingState is the explicit state of an in-flight validation.
type PendingState string

const (
	// AwaitingSensor: a tap arrived first, waiting for presence.
	AwaitingSensor PendingState = "awaiting_sensor"
	// AwaitingRFID: presence arrived first, waiting for a tap to claim it.
	AwaitingRFID PendingState = "awaiting_rfid"
)

// PendingView is the dashboard-facing snapshot of one pending validation.
type PendingView struct {
	SessionID     string       `json:"session_id"`
	StudentID     string       `json:"student_id,omitempty"`
	RoomID        string       `json:"room_id"`
	Status        PendingState `json:"status"`
	RFIDTapTime   *time.Time   `json:"rfid_tap_time,omitempty"`
	DeadlineAt    time.Time    `json:"deadline_at"`
	ValidationKey string       `json:"validation_key"`
}

// Local-rejection errors: bad input, logged and dropped, never a discrepancy.
var (
	ErrUnknownDevice   = errors.New("unknown device")
	ErrUnknownCard     = errors.New("unknown card")
	ErrNoActiveSession = errors.New("no active session for room")
	ErrDuplicateEvent  = errors.New("duplicate event id")
	ErrBadEvent        = errors.New("malformed event")
)
