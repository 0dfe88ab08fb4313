package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

// Event is a validated, normalized device event bound to its session and,
// for taps, to an enrolled student.
type Event struct {
	ID         string
	Kind       Kind
	Session    session.Session
	Student    roster.Student // zero for presence events
	RoomID     string
	OccurredAt time.Time
}

// Normalizer validates raw events before they reach the correlator. All of
// its rejections are local: logged by the caller, dropped, never retried.
type Normalizer struct {
	devices  roster.DeviceDirectory
	students roster.Lookup
	sessions *session.Registry
	dedup    DedupCache
}

// NewNormalizer wires the normalizer to its collaborators.
func NewNormalizer(devices roster.DeviceDirectory, students roster.Lookup, sessions *session.Registry, dedup DedupCache) *Normalizer {
	return &Normalizer{devices: devices, students: students, sessions: sessions, dedup: dedup}
}

// Normalize checks device, card, session, and event-id uniqueness, returning
// the event ready for correlation. Order matters: the dedup claim comes
// first so a retried-then-rejected event stays rejected.
func (n *Normalizer) Normalize(ctx context.Context, raw RawEvent) (Event, error) {
	if raw.EventID == "" || raw.DeviceID == "" {
		return Event{}, fmt.Errorf("%w: event id and device id required", ErrBadEvent)
	}
	if raw.Kind != KindRFIDTap && raw.Kind != KindPresence {
		return Event{}, fmt.Errorf("%w: kind %q", ErrBadEvent, raw.Kind)
	}
	if raw.Kind == KindRFIDTap && raw.CardID == "" {
		return Event{}, fmt.Errorf("%w: rfid_tap without card id", ErrBadEvent)
	}

	fresh, err := n.dedup.Claim(ctx, raw.EventID)
	if err != nil {
		return Event{}, fmt.Errorf("dedup claim: %w", err)
	}
	if !fresh {
		return Event{}, ErrDuplicateEvent
	}

	room, err := n.devices.RoomForDevice(ctx, raw.DeviceID)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownDevice, raw.DeviceID)
	}
	// Devices self-report a room id; the registration is authoritative.
	if raw.RoomID != "" && raw.RoomID != room {
		return Event{}, fmt.Errorf("%w: device %s reports room %s, registered in %s", ErrBadEvent, raw.DeviceID, raw.RoomID, room)
	}

	sess, ok := n.sessions.ActiveSessionFor(room)
	if !ok {
		return Event{}, fmt.Errorf("%w: room %s", ErrNoActiveSession, room)
	}

	ev := Event{
		ID:         raw.EventID,
		Kind:       raw.Kind,
		Session:    sess,
		RoomID:     room,
		OccurredAt: raw.OccurredAt,
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	if raw.Kind == KindRFIDTap {
		student, err := n.students.StudentByCard(ctx, raw.CardID)
		if err != nil {
			return Event{}, fmt.Errorf("%w: card %s", ErrUnknownCard, raw.CardID)
		}
		ev.Student = student
	}
	return ev, nil
}
