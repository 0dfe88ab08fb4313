package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of a class session over its lifecycle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
)

// Session is one scheduled class occurrence in one room. The engine reads
// sessions; only the external scheduler mutates them through the registry.
type Session struct {
	ID            string
	RoomID        string
	SubjectID     string
	StartTime     time.Time
	EndTime       time.Time
	LateThreshold time.Duration
	Status        Status
}

var (
	// ErrSessionConflict is returned when a room already has an active session.
	ErrSessionConflict = errors.New("room already has an active session")
	// ErrSessionNotFound is returned for unknown or already ended sessions.
	ErrSessionNotFound = errors.New("session not found")
)

// EndHook is invoked after a session leaves the registry, with the ended
// session. The engine uses it to flush that session's pending validations.
type EndHook func(Session)

// Registry holds the currently active sessions, one per room at most.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]Session
	byRoom  map[string]string // roomID -> sessionID
	endHook EndHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Session),
		byRoom: make(map[string]string),
	}
}

// OnEnd registers the hook called when a session ends. Call before Start.
func (r *Registry) OnEnd(hook EndHook) {
	r.mu.Lock()
	r.endHook = hook
	r.mu.Unlock()
}

// Start activates a session. An empty ID gets one assigned. Fails with
// ErrSessionConflict when the room already hosts an active session.
func (r *Registry) Start(s Session) (Session, error) {
	if s.RoomID == "" {
		return Session{}, errors.New("room id required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartTime.IsZero() {
		s.StartTime = time.Now().UTC()
	}
	s.Status = StatusActive

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.byRoom[s.RoomID]; busy {
		return Session{}, ErrSessionConflict
	}
	r.byID[s.ID] = s
	r.byRoom[s.RoomID] = s.ID
	return s, nil
}

// End deactivates a session and fires the end hook outside the lock.
func (r *Registry) End(sessionID string) error {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.byID, sessionID)
	delete(r.byRoom, s.RoomID)
	hook := r.endHook
	r.mu.Unlock()

	s.Status = StatusEnded
	if s.EndTime.IsZero() {
		s.EndTime = time.Now().UTC()
	}
	if hook != nil {
		hook(s)
	}
	return nil
}

// ActiveSessionFor returns the active session in roomID, if any.
func (r *Registry) ActiveSessionFor(roomID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRoom[roomID]
	if !ok {
		return Session{}, false
	}
	return r.byID[id], true
}

// IsActive reports whether sessionID is currently active.
func (r *Registry) IsActive(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[sessionID]
	return ok
}

// Get returns an active session by id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// Active returns a snapshot of all active sessions.
func (r *Registry) Active() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	return out
}
