package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/queue"
)

// Notification is one engine state change pushed to the dashboard/worker
// side so clients do not have to rely on polling alone.
type Notification struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	StudentID string    `json:"student_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Flag      string    `json:"flag,omitempty"`
	At        time.Time `json:"at"`
}

// Notification types.
const (
	NotePendingAdded       = "pending_added"
	NotePendingResolved    = "pending_resolved"
	NoteAttendanceRecorded = "attendance_recorded"
	NoteCheckout           = "checkout"
	NoteDiscrepancyCreated = "discrepancy_created"
	NoteSystemError        = "system_error"
)

// Notifier publishes engine state changes. Publishing is best-effort: a
// failed notification must never fail the event that caused it.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// QueueNotifier publishes notifications as JSON messages on the queue. A
// bounded buffer and a single publisher goroutine keep Notify non-blocking:
// on overflow the notification is dropped, never the event that caused it.
type QueueNotifier struct {
	q  queue.Queue
	ch chan Notification
}

// NewQueueNotifier wraps a queue as a notifier and starts its publisher.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	n := &QueueNotifier{q: q, ch: make(chan Notification, 256)}
	go n.pump()
	return n
}

// Notify implements Notifier. Never blocks the caller.
func (n *QueueNotifier) Notify(_ context.Context, note Notification) {
	select {
	case n.ch <- note:
	default:
		log.Printf("notifier: buffer full, dropping %s for session %s", note.Type, note.SessionID)
	}
}

func (n *QueueNotifier) pump() {
	for note := range n.ch {
		body, err := json.Marshal(note)
		if err != nil {
			log.Printf("notifier: marshal failed: %v", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = n.q.Publish(ctx, queue.Message{Type: note.Type, Body: body})
		cancel()
		if err != nil {
			log.Printf("notifier: publish %s failed: %v", note.Type, err)
		}
	}
}

// NopNotifier discards notifications; used in tests and when no queue is
// configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(context.Context, Notification) {}
