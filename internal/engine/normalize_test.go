package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

func newNormalizer(t *testing.T) (*Normalizer, session.Session) {
	t.Helper()
	ctx := context.Background()

	ros := roster.NewMemory()
	ros.AddStudent(roster.Student{ID: "stu-1", CardID: "card-1"})
	require.NoError(t, ros.RegisterDevice(ctx, "reader-1", "lab-1"))

	sessions := session.NewRegistry()
	sess, err := sessions.Start(session.Session{RoomID: "lab-1"})
	require.NoError(t, err)

	return NewNormalizer(ros, ros, sessions, NewMemoryDedup(time.Minute)), sess
}

func validTap() RawEvent {
	return RawEvent{
		EventID:    "evt-1",
		DeviceID:   "reader-1",
		Kind:       KindRFIDTap,
		CardID:     "card-1",
		OccurredAt: time.Now().UTC(),
	}
}

func TestNormalizeTap(t *testing.T) {
	n, sess := newNormalizer(t)

	ev, err := n.Normalize(context.Background(), validTap())
	require.NoError(t, err)
	require.Equal(t, sess.ID, ev.Session.ID)
	require.Equal(t, "lab-1", ev.RoomID)
	require.Equal(t, "stu-1", ev.Student.ID)
}

func TestNormalizeRejectsMalformed(t *testing.T) {
	n, _ := newNormalizer(t)
	ctx := context.Background()

	raw := validTap()
	raw.EventID = ""
	_, err := n.Normalize(ctx, raw)
	require.ErrorIs(t, err, ErrBadEvent)

	raw = validTap()
	raw.Kind = "badge_swipe"
	_, err = n.Normalize(ctx, raw)
	require.ErrorIs(t, err, ErrBadEvent)

	raw = validTap()
	raw.CardID = ""
	_, err = n.Normalize(ctx, raw)
	require.ErrorIs(t, err, ErrBadEvent)
}

func TestNormalizeUnknownDevice(t *testing.T) {
	n, _ := newNormalizer(t)

	raw := validTap()
	raw.DeviceID = "rogue"
	_, err := n.Normalize(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestNormalizeUnknownCard(t *testing.T) {
	n, _ := newNormalizer(t)

	raw := validTap()
	raw.CardID = "card-unenrolled"
	_, err := n.Normalize(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnknownCard)
}

func TestNormalizeRoomMismatch(t *testing.T) {
	n, _ := newNormalizer(t)

	raw := validTap()
	raw.RoomID = "lab-9" // device is registered in lab-1
	_, err := n.Normalize(context.Background(), raw)
	require.ErrorIs(t, err, ErrBadEvent)
}

func TestNormalizeNoActiveSession(t *testing.T) {
	ctx := context.Background()
	ros := roster.NewMemory()
	ros.AddStudent(roster.Student{ID: "stu-1", CardID: "card-1"})
	require.NoError(t, ros.RegisterDevice(ctx, "reader-1", "lab-1"))

	n := NewNormalizer(ros, ros, session.NewRegistry(), NewMemoryDedup(time.Minute))
	_, err := n.Normalize(ctx, validTap())
	require.ErrorIs(t, err, ErrNoActiveSession)
}

func TestNormalizeDeduplicatesEventID(t *testing.T) {
	n, _ := newNormalizer(t)
	ctx := context.Background()

	_, err := n.Normalize(ctx, validTap())
	require.NoError(t, err)
	_, err = n.Normalize(ctx, validTap())
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestMemoryDedupExpires(t *testing.T) {
	d := NewMemoryDedup(20 * time.Millisecond)
	ctx := context.Background()

	fresh, err := d.Claim(ctx, "evt")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = d.Claim(ctx, "evt")
	require.NoError(t, err)
	require.False(t, fresh)

	time.Sleep(30 * time.Millisecond)
	fresh, err = d.Claim(ctx, "evt")
	require.NoError(t, err)
	require.True(t, fresh)
}
