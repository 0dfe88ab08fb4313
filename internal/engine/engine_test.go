package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/attendance"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/queue"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

// testWindow keeps timer tests fast; semantics do not depend on W's size.
const testWindow = 60 * time.Millisecond

type fixture struct {
	eng      *Engine
	store    *attendance.Memory
	roster   *roster.Memory
	sessions *session.Registry
	sess     session.Session
}

func newFixture(t *testing.T, sessionStart time.Time, ghostTap bool) *fixture {
	t.Helper()
	ctx := context.Background()

	ros := roster.NewMemory()
	ros.AddStudent(roster.Student{ID: "stu-3", Name: "Three", CardID: "card-3"})
	ros.AddStudent(roster.Student{ID: "stu-7", Name: "Seven", CardID: "card-7"})
	ros.AddStudent(roster.Student{ID: "stu-9", Name: "Nine", CardID: "card-9"})
	require.NoError(t, ros.RegisterDevice(ctx, "reader-1", "lab-1"))
	require.NoError(t, ros.RegisterDevice(ctx, "sensor-1", "lab-1"))
	require.NoError(t, ros.RegisterDevice(ctx, "reader-2", "lab-2"))
	require.NoError(t, ros.RegisterDevice(ctx, "sensor-2", "lab-2"))

	sessions := session.NewRegistry()
	st := attendance.NewMemory()
	eng := New(Config{
		Window:            testWindow,
		GhostTapDetection: ghostTap,
		RetryAttempts:     2,
		RetryBackoff:      time.Millisecond,
	}, st, sessions, ros, ros, NewMemoryDedup(time.Minute), nil)

	sess, err := sessions.Start(session.Session{
		RoomID:        "lab-1",
		SubjectID:     "prog-101",
		StartTime:     sessionStart,
		LateThreshold: 15 * time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})

	return &fixture{eng: eng, store: st, roster: ros, sessions: sessions, sess: sess}
}

func (f *fixture) tap(t *testing.T, card string, at time.Time) {
	t.Helper()
	require.NoError(t, f.eng.Process(context.Background(), RawEvent{
		EventID:    uuid.NewString(),
		DeviceID:   "reader-1",
		Kind:       KindRFIDTap,
		CardID:     card,
		OccurredAt: at,
	}))
}

func (f *fixture) presence(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, f.eng.Process(context.Background(), RawEvent{
		EventID:    uuid.NewString(),
		DeviceID:   "sensor-1",
		Kind:       KindPresence,
		OccurredAt: at,
	}))
}

func (f *fixture) record(t *testing.T, studentID string) attendance.Record {
	t.Helper()
	var rec attendance.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = f.store.GetRecord(context.Background(), f.sess.ID, studentID)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return rec
}

func (f *fixture) discrepancies(t *testing.T) []attendance.Discrepancy {
	t.Helper()
	all, err := f.store.ListDiscrepancies(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return all
}

func (f *fixture) waitDiscrepancy(t *testing.T, flag attendance.Flag) attendance.Discrepancy {
	t.Helper()
	var found attendance.Discrepancy
	require.Eventually(t, func() bool {
		for _, d := range f.discrepancies(t) {
			if d.Flag == flag {
				found = d
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return found
}

// Scenario A: tap then presence inside the window, on time.
func TestTapThenPresenceOnTime(t *testing.T) {
	f := newFixture(t, time.Now().UTC().Add(-5*time.Minute), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-7", tapAt)
	f.presence(t, tapAt.Add(10*time.Millisecond))

	rec := f.record(t, "stu-7")
	require.Equal(t, attendance.StatusPresent, rec.Status)
	require.NotNil(t, rec.CheckInTime)
	require.Equal(t, tapAt, *rec.CheckInTime)
	require.Equal(t, 0, rec.LateByMinutes)
	require.Empty(t, f.discrepancies(t))
	require.Empty(t, f.eng.ListPending(f.sess.ID))
}

// Scenario B: tap past the late threshold.
func TestTapPastLateThreshold(t *testing.T) {
	f := newFixture(t, time.Now().UTC().Add(-20*time.Minute), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-9", tapAt)
	f.presence(t, tapAt.Add(5*time.Millisecond))

	rec := f.record(t, "stu-9")
	require.Equal(t, attendance.StatusLate, rec.Status)
	require.Equal(t, 20, rec.LateByMinutes)
}

// Presence arriving first is matched symmetrically by the following tap.
func TestPresenceThenTap(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	at := time.Now().UTC()
	f.presence(t, at)
	f.tap(t, "card-7", at.Add(15*time.Millisecond))

	rec := f.record(t, "stu-7")
	require.Equal(t, attendance.StatusPresent, rec.Status)
	require.Empty(t, f.discrepancies(t))
}

// Scenario C: tap with no presence inside W.
func TestTapTimeoutBecomesValidationTimeout(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-3", tapAt)

	d := f.waitDiscrepancy(t, attendance.FlagValidationTimeout)
	require.Equal(t, "stu-3", d.StudentID)
	require.NotNil(t, d.RFIDTapTime)
	require.Equal(t, tapAt, *d.RFIDTapTime)
	require.True(t, d.ValidationTimeout)

	_, err := f.store.GetRecord(context.Background(), f.sess.ID, "stu-3")
	require.ErrorIs(t, err, attendance.ErrNoRecord)
	require.Empty(t, f.eng.ListPending(f.sess.ID))
}

// Presence with no tap inside W: sensor_without_rfid, no student attached.
func TestPresenceTimeoutBecomesSensorWithoutRFID(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	at := time.Now().UTC()
	f.presence(t, at)

	d := f.waitDiscrepancy(t, attendance.FlagSensorWithoutRFID)
	require.Empty(t, d.StudentID)
	require.NotNil(t, d.SensorTime)
	require.Equal(t, at, *d.SensorTime)
}

// Scenario D: no active session in the room.
func TestNoActiveSessionRejected(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	err := f.eng.Process(context.Background(), RawEvent{
		EventID:    uuid.NewString(),
		DeviceID:   "sensor-2", // lab-2 has no session
		Kind:       KindPresence,
		OccurredAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, ErrNoActiveSession)

	time.Sleep(2 * testWindow)
	require.Empty(t, f.discrepancies(t))
}

// Scenario E: a tap from an already present student is a checkout.
func TestSecondTapChecksOut(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-7", tapAt)
	f.presence(t, tapAt.Add(5*time.Millisecond))
	f.record(t, "stu-7")

	outAt := time.Now().UTC()
	f.tap(t, "card-7", outAt)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetRecord(context.Background(), f.sess.ID, "stu-7")
		return err == nil && rec.CheckOutTime != nil
	}, time.Second, 5*time.Millisecond)

	rec, err := f.store.GetRecord(context.Background(), f.sess.ID, "stu-7")
	require.NoError(t, err)
	require.Equal(t, outAt, *rec.CheckOutTime)
	require.Empty(t, f.discrepancies(t))

	records, err := f.store.ListRecords(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

// Two taps inside W for the same student: one pending entry, one
// already_checked_in discrepancy, and still exactly one record after match.
func TestDoubleTapInsideWindow(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	at := time.Now().UTC()
	f.tap(t, "card-7", at)
	f.tap(t, "card-7", at.Add(5*time.Millisecond))
	f.presence(t, at.Add(15*time.Millisecond))

	d := f.waitDiscrepancy(t, attendance.FlagAlreadyCheckedIn)
	require.Equal(t, "stu-7", d.StudentID)

	rec := f.record(t, "stu-7")
	require.Equal(t, attendance.StatusPresent, rec.Status)

	records, err := f.store.ListRecords(context.Background(), f.sess.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

// Duplicate delivery of the same event id never produces two outcomes.
func TestDuplicateEventIDDropped(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	raw := RawEvent{
		EventID:    uuid.NewString(),
		DeviceID:   "reader-1",
		Kind:       KindRFIDTap,
		CardID:     "card-7",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, f.eng.Process(context.Background(), raw))
	require.ErrorIs(t, f.eng.Process(context.Background(), raw), ErrDuplicateEvent)

	f.presence(t, time.Now().UTC())
	f.record(t, "stu-7")

	time.Sleep(2 * testWindow)
	require.Empty(t, f.discrepancies(t))
}

// Oldest unmatched tap wins the next presence event (FIFO within a room).
func TestPresenceMatchesOldestTapFirst(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	base := time.Now().UTC()
	f.tap(t, "card-3", base)
	f.tap(t, "card-7", base.Add(5*time.Millisecond))
	f.presence(t, base.Add(10*time.Millisecond))
	f.presence(t, base.Add(15*time.Millisecond))

	recOld := f.record(t, "stu-3")
	recNew := f.record(t, "stu-7")
	require.NotNil(t, recOld.CheckInTime)
	require.NotNil(t, recNew.CheckInTime)
	require.Equal(t, base, *recOld.CheckInTime)
	require.Equal(t, base.Add(5*time.Millisecond), *recNew.CheckInTime)
}

// Ghost tap refinement: the sensor fired inside the tap's window but the
// presence was claimed by an older tap, so the unmatched tap is suspect.
func TestGhostTapRefinement(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), true)

	base := time.Now().UTC()
	f.tap(t, "card-3", base)
	f.tap(t, "card-9", base.Add(5*time.Millisecond))
	f.presence(t, base.Add(10*time.Millisecond)) // claimed by stu-3

	f.record(t, "stu-3")
	d := f.waitDiscrepancy(t, attendance.FlagGhostTap)
	require.Equal(t, "stu-9", d.StudentID)
	require.True(t, d.ValidationTimeout)
}

// With the refinement off, the same ordering stays a validation_timeout.
func TestGhostTapDetectionDisabled(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	base := time.Now().UTC()
	f.tap(t, "card-3", base)
	f.tap(t, "card-9", base.Add(5*time.Millisecond))
	f.presence(t, base.Add(10*time.Millisecond))

	f.record(t, "stu-3")
	d := f.waitDiscrepancy(t, attendance.FlagValidationTimeout)
	require.Equal(t, "stu-9", d.StudentID)
}

// Ending a session force-resolves tap-origin entries as validation_timeout
// well before their deadline.
func TestSessionEndFlushesPendingTap(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-3", tapAt)
	require.Len(t, f.eng.ListPending(f.sess.ID), 1)

	require.NoError(t, f.sessions.End(f.sess.ID))

	d := f.waitDiscrepancy(t, attendance.FlagValidationTimeout)
	require.Equal(t, "stu-3", d.StudentID)
	require.Equal(t, tapAt, *d.RFIDTapTime)
	require.Empty(t, f.eng.ListPending(f.sess.ID))
}

// Identityless presence entries are discarded silently on session end.
func TestSessionEndDiscardsPendingPresence(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	f.presence(t, time.Now().UTC())
	require.Len(t, f.eng.ListPending(f.sess.ID), 1)

	require.NoError(t, f.sessions.End(f.sess.ID))

	require.Empty(t, f.eng.ListPending(f.sess.ID))
	time.Sleep(2 * testWindow)
	require.Empty(t, f.discrepancies(t))
}

// Pending list reflects both awaiting states with their keys.
func TestListPending(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	tapAt := time.Now().UTC()
	f.tap(t, "card-7", tapAt)

	pending := f.eng.ListPending(f.sess.ID)
	require.Len(t, pending, 1)
	require.Equal(t, AwaitingSensor, pending[0].Status)
	require.Equal(t, "stu-7", pending[0].StudentID)
	require.Equal(t, f.sess.ID+":stu-7", pending[0].ValidationKey)
	require.NotNil(t, pending[0].RFIDTapTime)

	f.presence(t, tapAt.Add(5*time.Millisecond))
	f.record(t, "stu-7")
	require.Empty(t, f.eng.ListPending(f.sess.ID))
}

func TestManualCheckoutWithoutCheckin(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	_, err := f.eng.ManualCheckout(context.Background(), f.sess.ID, "card-9", time.Now().UTC())
	require.ErrorIs(t, err, attendance.ErrNoRecord)

	d := f.waitDiscrepancy(t, attendance.FlagCheckoutWithoutCheckin)
	require.Equal(t, "stu-9", d.StudentID)
}

// gateStore blocks record lookups until released, to control actor timing.
type gateStore struct {
	*attendance.Memory
	gate chan struct{}
}

func (g *gateStore) GetRecord(ctx context.Context, sessionID, studentID string) (attendance.Record, error) {
	<-g.gate
	return g.Memory.GetRecord(ctx, sessionID, studentID)
}

// A snapshot request accepted while an end message is already queued must
// still be answered, or its caller waits on a dead actor forever.
func TestSnapshotQueuedBehindEndIsAnswered(t *testing.T) {
	ctx := context.Background()
	ros := roster.NewMemory()
	ros.AddStudent(roster.Student{ID: "stu-7", CardID: "card-7"})
	require.NoError(t, ros.RegisterDevice(ctx, "reader-1", "lab-1"))

	sessions := session.NewRegistry()
	gate := make(chan struct{})
	st := &gateStore{Memory: attendance.NewMemory(), gate: gate}
	eng := New(Config{Window: testWindow}, st, sessions, ros, ros, NewMemoryDedup(time.Minute), nil)

	sess, err := sessions.Start(session.Session{RoomID: "lab-1", StartTime: time.Now().UTC()})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})

	// Park the actor inside the record lookup so both messages queue up.
	require.NoError(t, eng.Process(ctx, RawEvent{
		EventID:    uuid.NewString(),
		DeviceID:   "reader-1",
		Kind:       KindRFIDTap,
		CardID:     "card-7",
		OccurredAt: time.Now().UTC(),
	}))

	actor := eng.actorFor(sess, "lab-1")
	endDone := make(chan struct{})
	require.True(t, actor.submit(actorMsg{end: endDone}))
	reply := make(chan []PendingView, 1)
	require.True(t, actor.submit(actorMsg{snapshot: reply}))

	close(gate)

	select {
	case views := <-reply:
		require.Empty(t, views)
	case <-time.After(time.Second):
		t.Fatal("snapshot queued behind end was never answered")
	}
	<-endDone
	require.False(t, actor.submit(actorMsg{snapshot: reply}))
}

// A full notification queue with no consumer must never stall correlation.
func TestNotifierBackpressureDoesNotBlockCorrelation(t *testing.T) {
	ctx := context.Background()
	ros := roster.NewMemory()
	ros.AddStudent(roster.Student{ID: "stu-7", CardID: "card-7"})
	require.NoError(t, ros.RegisterDevice(ctx, "reader-1", "lab-1"))
	require.NoError(t, ros.RegisterDevice(ctx, "sensor-1", "lab-1"))

	sessions := session.NewRegistry()
	st := attendance.NewMemory()
	notifier := NewQueueNotifier(queue.NewInMemory(1)) // tiny queue, nobody consuming
	eng := New(Config{Window: testWindow}, st, sessions, ros, ros, NewMemoryDedup(time.Minute), notifier)

	sess, err := sessions.Start(session.Session{RoomID: "lab-1", StartTime: time.Now().UTC(), LateThreshold: 15 * time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	})

	at := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.Process(ctx, RawEvent{
			EventID: uuid.NewString(), DeviceID: "sensor-1", Kind: KindPresence, OccurredAt: at,
		}))
	}
	require.NoError(t, eng.Process(ctx, RawEvent{
		EventID: uuid.NewString(), DeviceID: "reader-1", Kind: KindRFIDTap, CardID: "card-7", OccurredAt: at.Add(5 * time.Millisecond),
	}))

	require.Eventually(t, func() bool {
		_, err := st.GetRecord(ctx, sess.ID, "stu-7")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

// Rooms correlate independently: simultaneous sessions in two rooms both
// settle with the right records.
func TestRoomsDoNotInterfere(t *testing.T) {
	f := newFixture(t, time.Now().UTC(), false)

	sess2, err := f.sessions.Start(session.Session{RoomID: "lab-2", StartTime: time.Now().UTC(), LateThreshold: 15 * time.Minute})
	require.NoError(t, err)

	at := time.Now().UTC()
	f.tap(t, "card-7", at)
	require.NoError(t, f.eng.Process(context.Background(), RawEvent{
		EventID: uuid.NewString(), DeviceID: "reader-2", Kind: KindRFIDTap, CardID: "card-9", OccurredAt: at,
	}))
	require.NoError(t, f.eng.Process(context.Background(), RawEvent{
		EventID: uuid.NewString(), DeviceID: "sensor-2", Kind: KindPresence, OccurredAt: at.Add(5 * time.Millisecond),
	}))
	f.presence(t, at.Add(5*time.Millisecond))

	rec1 := f.record(t, "stu-7")
	require.Equal(t, f.sess.ID, rec1.SessionID)

	require.Eventually(t, func() bool {
		rec, err := f.store.GetRecord(context.Background(), sess2.ID, "stu-9")
		return err == nil && rec.Status == attendance.StatusPresent
	}, time.Second, 5*time.Millisecond)
}
