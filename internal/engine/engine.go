package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/attendance"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/roster"
	"github.com/MatSes28/CLIRDEC-PRESENCE-sub001/internal/session"
)

// Config tunes the engine. Zero values fall back to production defaults.
type Config struct {
	// Window is W: how long a tap and a presence event are considered to
	// describe the same physical check-in. Fixed per run, never extended.
	Window time.Duration
	// GhostTapDetection enables the ghost_tap refinement on tap timeouts.
	GhostTapDetection bool
	// RetryAttempts / RetryBackoff bound the store retry loop.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// Engine is the attendance validation engine. One actor goroutine per
// (session, room) owns that room's pending validations; the engine routes
// events, ends sessions, and serves dashboard snapshots.
type Engine struct {
	window     time.Duration
	ghostTap   bool
	normalizer *Normalizer
	classifier *Classifier
	store      attendance.Store
	sessions   *session.Registry
	students   roster.Lookup
	notifier   Notifier
	baseCtx    context.Context

	mu     sync.Mutex
	actors map[string]*roomActor // sessionID|roomID
	wg     sync.WaitGroup
}

// New wires the engine and registers its session-end flush with the
// registry.
func New(cfg Config, st attendance.Store, sessions *session.Registry, students roster.Lookup, devices roster.DeviceDirectory, dedup DedupCache, notifier Notifier) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = 7 * time.Second
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	eng := &Engine{
		window:   cfg.Window,
		ghostTap: cfg.GhostTapDetection,
		store:    st,
		sessions: sessions,
		students: students,
		notifier: notifier,
		baseCtx:  context.Background(),
		actors:   make(map[string]*roomActor),
	}
	eng.normalizer = NewNormalizer(devices, students, sessions, dedup)
	eng.classifier = NewClassifier(st, notifier, cfg.RetryAttempts, cfg.RetryBackoff)
	sessions.OnEnd(eng.endSession)
	return eng
}

// Process validates one raw device event and feeds it to the correlator.
// Rejections (unknown device/card, no session, duplicate) are returned to
// the transport for logging; they never create records.
func (eng *Engine) Process(ctx context.Context, raw RawEvent) error {
	ev, err := eng.normalizer.Normalize(ctx, raw)
	if err != nil {
		kind := string(raw.Kind)
		if raw.Kind != KindRFIDTap && raw.Kind != KindPresence {
			kind = "invalid" // device-controlled value, keep label cardinality bounded
		}
		eventsTotal.WithLabelValues(kind, outcomeFor(err)).Inc()
		return err
	}

	actor := eng.actorFor(ev.Session, ev.RoomID)
	if !actor.submit(actorMsg{ev: &ev}) {
		// Session ended between normalization and delivery.
		eventsTotal.WithLabelValues(string(ev.Kind), "rejected").Inc()
		return ErrNoActiveSession
	}
	eventsTotal.WithLabelValues(string(ev.Kind), "accepted").Inc()
	return nil
}

// ManualCheckout checks a student out by card, used by the explicit checkout
// endpoint. A checkout with no prior check-in is recorded as a
// checkout_without_checkin discrepancy and returned as ErrNoRecord.
func (eng *Engine) ManualCheckout(ctx context.Context, sessionID, cardID string, at time.Time) (attendance.Record, error) {
	sess, ok := eng.sessions.Get(sessionID)
	if !ok {
		return attendance.Record{}, ErrNoActiveSession
	}
	student, err := eng.students.StudentByCard(ctx, cardID)
	if err != nil {
		return attendance.Record{}, ErrUnknownCard
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return eng.classifier.Checkout(ctx, sess, student, at)
}

// ListPending snapshots the in-flight validations for one session, the
// dashboard's "pending validations" list.
func (eng *Engine) ListPending(sessionID string) []PendingView {
	eng.mu.Lock()
	var actors []*roomActor
	for _, a := range eng.actors {
		if a.sess.ID == sessionID {
			actors = append(actors, a)
		}
	}
	eng.mu.Unlock()

	var out []PendingView
	for _, a := range actors {
		reply := make(chan []PendingView, 1)
		if a.submit(actorMsg{snapshot: reply}) {
			out = append(out, <-reply...)
		}
	}
	if out == nil {
		out = []PendingView{}
	}
	return out
}

// Shutdown flushes every live actor (in-flight correlations resolve as
// timeouts, not silent loss) and waits for outstanding store writes.
func (eng *Engine) Shutdown(ctx context.Context) error {
	eng.mu.Lock()
	actors := make([]*roomActor, 0, len(eng.actors))
	for _, a := range eng.actors {
		actors = append(actors, a)
	}
	eng.actors = make(map[string]*roomActor)
	eng.mu.Unlock()

	for _, a := range actors {
		stopActor(a)
	}

	done := make(chan struct{})
	go func() {
		eng.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eng *Engine) actorFor(sess session.Session, roomID string) *roomActor {
	key := sess.ID + "|" + roomID
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if a, ok := eng.actors[key]; ok {
		return a
	}
	a := newRoomActor(eng, sess, roomID)
	eng.actors[key] = a
	return a
}

// endSession is the registry end hook: it tears down the session's actors,
// flushing their pending entries first.
func (eng *Engine) endSession(s session.Session) {
	eng.mu.Lock()
	var ended []*roomActor
	for key, a := range eng.actors {
		if a.sess.ID == s.ID {
			ended = append(ended, a)
			delete(eng.actors, key)
		}
	}
	eng.mu.Unlock()

	for _, a := range ended {
		stopActor(a)
	}
}

func stopActor(a *roomActor) {
	endDone := make(chan struct{})
	if a.submit(actorMsg{end: endDone}) {
		<-endDone
	}
}

// dispatch hands a resolution to the classifier without blocking the actor,
// so slow storage on one key never stalls a room.
func (eng *Engine) dispatch(res Resolution) {
	switch res.Kind {
	case ResolutionMatched, ResolutionTapTimeout, ResolutionPresenceTimeout:
		pendingGauge.Dec()
		eng.notifier.Notify(eng.baseCtx, Notification{
			Type:      NotePendingResolved,
			SessionID: res.Session.ID,
			StudentID: res.Student.ID,
			RoomID:    res.RoomID,
			Status:    string(res.Kind),
			At:        time.Now().UTC(),
		})
	}

	eng.wg.Add(1)
	go func() {
		defer eng.wg.Done()
		if err := eng.classifier.Apply(eng.baseCtx, res); err != nil {
			log.Printf("engine: classify %s for %s/%s: %v", res.Kind, res.Session.ID, res.Student.ID, err)
		}
	}()
}

// pendingOpened is called by an actor when a new entry enters the table.
func (eng *Engine) pendingOpened(sess session.Session, e *pendingEntry) {
	pendingGauge.Inc()
	eng.notifier.Notify(eng.baseCtx, Notification{
		Type:      NotePendingAdded,
		SessionID: sess.ID,
		StudentID: e.student.ID,
		RoomID:    sess.RoomID,
		Status:    string(e.state),
		At:        e.firstSeenAt,
	})
}

// pendingClosed is called for entries discarded without a resolution
// (identityless presence entries on session end).
func (eng *Engine) pendingClosed(sess session.Session, e *pendingEntry) {
	pendingGauge.Dec()
	eng.notifier.Notify(eng.baseCtx, Notification{
		Type:      NotePendingResolved,
		SessionID: sess.ID,
		RoomID:    sess.RoomID,
		Status:    "discarded",
		At:        time.Now().UTC(),
	})
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrUnknownDevice), errors.Is(err, ErrUnknownCard),
		errors.Is(err, ErrNoActiveSession), errors.Is(err, ErrBadEvent):
		return "rejected"
	default:
		return "error"
	}
}
