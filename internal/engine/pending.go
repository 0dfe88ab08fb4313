package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/attendance"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

// pendingEntry is one in-flight validation owned by a room actor. The entry
// owns its deadline timer; the timer never mutates state itself, it only
// feeds a timeout message back through the actor's mailbox so timeouts and
// live events share one transition function.
type pendingEntry struct {
	key         string
	state       PendingState
	student     roster.Student // zero for unclaimed presence entries
	firstSeenAt time.Time
	deadlineAt  time.Time
	timer       *time.Timer
	resolved    bool
}

// roomActor serializes all correlation state for one (session, room). Rooms
// never contend with each other; persistence happens outside the actor so a
// slow store in one room never stalls another.
type roomActor struct {
	eng     *Engine
	sess    session.Session
	roomID  string
	mailbox chan actorMsg
	done    chan struct{}

	// Owned by run(); never touched from outside the goroutine.
	taps        []*pendingEntry          // FIFO by firstSeenAt
	byStudent   map[string]*pendingEntry // studentID -> live tap entry
	presences   []*pendingEntry          // unclaimed presence entries, FIFO
	presenceLog []time.Time              // recent sensor activity, for ghost-tap refinement
	slotSeq     int
}

type actorMsg struct {
	ev       *Event
	timeout  *pendingEntry
	snapshot chan []PendingView
	end      chan struct{}
}

func newRoomActor(eng *Engine, sess session.Session, roomID string) *roomActor {
	a := &roomActor{
		eng:       eng,
		sess:      sess,
		roomID:    roomID,
		mailbox:   make(chan actorMsg, 64),
		done:      make(chan struct{}),
		byStudent: make(map[string]*pendingEntry),
	}
	go a.run()
	return a
}

// submit delivers a message unless the actor has shut down.
func (a *roomActor) submit(msg actorMsg) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.mailbox <- msg:
		return true
	case <-a.done:
		return false
	}
}

func (a *roomActor) run() {
	for msg := range a.mailbox {
		switch {
		case msg.ev != nil:
			a.apply(*msg.ev)
		case msg.timeout != nil:
			a.expire(msg.timeout)
		case msg.snapshot != nil:
			msg.snapshot <- a.pendingViews()
		case msg.end != nil:
			a.flush()
			close(a.done)
			a.drainBacklog()
			close(msg.end)
			return
		}
	}
}

// drainBacklog answers whatever raced into the mailbox ahead of the end
// message so no caller blocks on a dead actor: snapshots get an empty view,
// events lost their session and are dropped with a log line.
func (a *roomActor) drainBacklog() {
	for {
		select {
		case msg := <-a.mailbox:
			switch {
			case msg.ev != nil:
				log.Printf("engine: event %s dropped, session %s ended", msg.ev.ID, a.sess.ID)
			case msg.snapshot != nil:
				msg.snapshot <- nil
			case msg.end != nil:
				close(msg.end)
			}
		default:
			return
		}
	}
}

// apply is the single state-transition function for live events.
func (a *roomActor) apply(ev Event) {
	switch ev.Kind {
	case KindRFIDTap:
		a.applyTap(ev)
	case KindPresence:
		a.applyPresence(ev)
	}
}

func (a *roomActor) applyTap(ev Event) {
	ctx := a.eng.baseCtx

	// A tap from a student who already holds a record is either a checkout
	// or a double check-in, never a new correlation.
	rec, err := a.eng.store.GetRecord(ctx, a.sess.ID, ev.Student.ID)
	switch {
	case err == nil:
		if (rec.Status == attendance.StatusPresent || rec.Status == attendance.StatusLate) && rec.CheckOutTime == nil {
			a.eng.dispatch(Resolution{
				Kind:    ResolutionCheckout,
				Session: a.sess,
				Student: ev.Student,
				RoomID:  a.roomID,
				TapTime: ev.OccurredAt,
			})
			return
		}
		a.eng.dispatch(Resolution{
			Kind:    ResolutionAlreadyCheckedIn,
			Session: a.sess,
			Student: ev.Student,
			RoomID:  a.roomID,
			TapTime: ev.OccurredAt,
		})
		return
	case !errors.Is(err, attendance.ErrNoRecord):
		// Store unreachable: proceed as if absent; the uniqueness guard at
		// the storage layer catches a double write later.
		log.Printf("engine: record lookup for %s/%s failed: %v", a.sess.ID, ev.Student.ID, err)
	}

	if _, live := a.byStudent[ev.Student.ID]; live {
		a.eng.dispatch(Resolution{
			Kind:    ResolutionAlreadyCheckedIn,
			Session: a.sess,
			Student: ev.Student,
			RoomID:  a.roomID,
			TapTime: ev.OccurredAt,
		})
		return
	}

	// Symmetric match: an unclaimed presence inside the window confirms
	// identity + liveness immediately.
	if p := a.claimPresence(ev.OccurredAt); p != nil {
		a.resolveEntry(p)
		a.removePresence(p)
		a.eng.dispatch(Resolution{
			Kind:         ResolutionMatched,
			Session:      a.sess,
			Student:      ev.Student,
			RoomID:       a.roomID,
			TapTime:      ev.OccurredAt,
			PresenceTime: p.firstSeenAt,
		})
		return
	}

	e := &pendingEntry{
		key:         a.sess.ID + ":" + ev.Student.ID,
		state:       AwaitingSensor,
		student:     ev.Student,
		firstSeenAt: ev.OccurredAt,
		deadlineAt:  ev.OccurredAt.Add(a.eng.window),
	}
	a.taps = append(a.taps, e)
	a.byStudent[ev.Student.ID] = e
	a.armTimer(e)
	a.eng.pendingOpened(a.sess, e)
}

func (a *roomActor) applyPresence(ev Event) {
	a.logPresence(ev.OccurredAt)

	// Oldest unmatched tap first: approximates real arrival order when
	// several students tap within one window in a multi-seat room.
	for _, e := range a.taps {
		if e.resolved {
			continue
		}
		if ev.OccurredAt.Sub(e.firstSeenAt) > a.eng.window {
			continue // stale, its own timer will classify it
		}
		a.resolveEntry(e)
		a.removeTap(e)
		a.eng.dispatch(Resolution{
			Kind:         ResolutionMatched,
			Session:      a.sess,
			Student:      e.student,
			RoomID:       a.roomID,
			TapTime:      e.firstSeenAt,
			PresenceTime: ev.OccurredAt,
		})
		return
	}

	a.slotSeq++
	e := &pendingEntry{
		key:         fmt.Sprintf("%s:%s-slot%d", a.sess.ID, a.roomID, a.slotSeq),
		state:       AwaitingRFID,
		firstSeenAt: ev.OccurredAt,
		deadlineAt:  ev.OccurredAt.Add(a.eng.window),
	}
	a.presences = append(a.presences, e)
	a.armTimer(e)
	a.eng.pendingOpened(a.sess, e)
}

// expire handles a fired deadline. A timer firing concurrently with a match
// can deliver a timeout for an already resolved entry; it is ignored.
func (a *roomActor) expire(e *pendingEntry) {
	if e.resolved {
		return
	}
	e.resolved = true
	switch e.state {
	case AwaitingSensor:
		a.removeTap(e)
		a.eng.dispatch(Resolution{
			Kind:    ResolutionTapTimeout,
			Session: a.sess,
			Student: e.student,
			RoomID:  a.roomID,
			TapTime: e.firstSeenAt,
			Flag:    a.tapTimeoutFlag(e),
		})
	case AwaitingRFID:
		a.removePresence(e)
		a.eng.dispatch(Resolution{
			Kind:         ResolutionPresenceTimeout,
			Session:      a.sess,
			RoomID:       a.roomID,
			PresenceTime: e.firstSeenAt,
			Flag:         attendance.FlagSensorWithoutRFID,
		})
	}
}

// tapTimeoutFlag applies the ghost-tap refinement: the sensor demonstrably
// fired inside this tap's window yet never corroborated it, so the tap is
// suspect rather than the sensor. Otherwise validation_timeout is the safe
// default.
func (a *roomActor) tapTimeoutFlag(e *pendingEntry) attendance.Flag {
	if !a.eng.ghostTap {
		return attendance.FlagValidationTimeout
	}
	for _, t := range a.presenceLog {
		if !t.Before(e.firstSeenAt) && !t.After(e.deadlineAt) {
			return attendance.FlagGhostTap
		}
	}
	return attendance.FlagValidationTimeout
}

// flush force-resolves everything on session end: tap-origin entries become
// validation_timeout discrepancies, identityless presence entries are
// discarded.
func (a *roomActor) flush() {
	for _, e := range a.taps {
		if e.resolved {
			continue
		}
		a.resolveEntry(e)
		a.eng.dispatch(Resolution{
			Kind:    ResolutionTapTimeout,
			Session: a.sess,
			Student: e.student,
			RoomID:  a.roomID,
			TapTime: e.firstSeenAt,
			Flag:    attendance.FlagValidationTimeout,
		})
	}
	for _, e := range a.presences {
		if e.resolved {
			continue
		}
		a.resolveEntry(e)
		a.eng.pendingClosed(a.sess, e)
	}
	a.taps = nil
	a.byStudent = map[string]*pendingEntry{}
	a.presences = nil
}

func (a *roomActor) pendingViews() []PendingView {
	out := make([]PendingView, 0, len(a.taps)+len(a.presences))
	for _, e := range a.taps {
		if e.resolved {
			continue
		}
		tap := e.firstSeenAt
		out = append(out, PendingView{
			SessionID:     a.sess.ID,
			StudentID:     e.student.ID,
			RoomID:        a.roomID,
			Status:        e.state,
			RFIDTapTime:   &tap,
			DeadlineAt:    e.deadlineAt,
			ValidationKey: e.key,
		})
	}
	for _, e := range a.presences {
		if e.resolved {
			continue
		}
		out = append(out, PendingView{
			SessionID:     a.sess.ID,
			RoomID:        a.roomID,
			Status:        e.state,
			DeadlineAt:    e.deadlineAt,
			ValidationKey: e.key,
		})
	}
	return out
}

// claimPresence pops the oldest unclaimed presence still inside the window.
func (a *roomActor) claimPresence(at time.Time) *pendingEntry {
	for _, p := range a.presences {
		if p.resolved {
			continue
		}
		if at.Sub(p.firstSeenAt) > a.eng.window {
			continue
		}
		return p
	}
	return nil
}

func (a *roomActor) resolveEntry(e *pendingEntry) {
	e.resolved = true
	if e.timer != nil {
		e.timer.Stop()
	}
}

func (a *roomActor) armTimer(e *pendingEntry) {
	d := time.Until(e.deadlineAt)
	if d < 0 {
		d = 0
	}
	e.timer = time.AfterFunc(d, func() {
		a.submit(actorMsg{timeout: e})
	})
}

func (a *roomActor) removeTap(e *pendingEntry) {
	delete(a.byStudent, e.student.ID)
	a.taps = removeEntry(a.taps, e)
}

func (a *roomActor) removePresence(e *pendingEntry) {
	a.presences = removeEntry(a.presences, e)
}

func removeEntry(entries []*pendingEntry, e *pendingEntry) []*pendingEntry {
	for i, cand := range entries {
		if cand == e {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// logPresence records sensor activity and trims anything too old to matter
// for the ghost-tap window check.
func (a *roomActor) logPresence(at time.Time) {
	a.presenceLog = append(a.presenceLog, at)
	cutoff := at.Add(-2 * a.eng.window)
	trimmed := a.presenceLog[:0]
	for _, t := range a.presenceLog {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	a.presenceLog = trimmed
}
