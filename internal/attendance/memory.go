package attendance

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process store used by tests and the memory backend.
// It enforces the same invariants as Postgres.
type Memory struct {
	mu            sync.RWMutex
	records       map[string]Record // key: sessionID|studentID
	discrepancies []Discrepancy
	byDedup       map[string]int // dedupKey -> index into discrepancies
	byID          map[string]int // discrepancy id -> index
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		byDedup: make(map[string]int),
		byID:    make(map[string]int),
	}
}

func recKey(sessionID, studentID string) string { return sessionID + "|" + studentID }

// RecordAttendance implements Store.
func (m *Memory) RecordAttendance(_ context.Context, rec Record) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recKey(rec.SessionID, rec.StudentID)
	if _, exists := m.records[key]; exists {
		return Record{}, ErrRecordExists
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.records[key] = rec
	return rec, nil
}

// GetRecord implements Store.
func (m *Memory) GetRecord(_ context.Context, sessionID, studentID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recKey(sessionID, studentID)]
	if !ok {
		return Record{}, ErrNoRecord
	}
	return rec, nil
}

// SetCheckout implements Store.
func (m *Memory) SetCheckout(_ context.Context, sessionID, studentID string, at time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recKey(sessionID, studentID)
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNoRecord
	}
	if (rec.Status != StatusPresent && rec.Status != StatusLate) || rec.CheckOutTime != nil {
		return Record{}, ErrNotOpen
	}
	rec.CheckOutTime = &at
	m.records[key] = rec
	return rec, nil
}

// Excuse implements Store.
func (m *Memory) Excuse(_ context.Context, sessionID, studentID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recKey(sessionID, studentID)
	if _, exists := m.records[key]; exists {
		return Record{}, ErrRecordExists
	}
	rec := Record{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StudentID: studentID,
		Status:    StatusExcused,
		CreatedAt: time.Now().UTC(),
	}
	m.records[key] = rec
	return rec, nil
}

// RecordDiscrepancy implements Store.
func (m *Memory) RecordDiscrepancy(_ context.Context, d Discrepancy) (Discrepancy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	key := dedupKey(d)
	if idx, seen := m.byDedup[key]; seen {
		return m.discrepancies[idx], nil
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DiscrepancyOpen
	}
	m.discrepancies = append(m.discrepancies, d)
	m.byDedup[key] = len(m.discrepancies) - 1
	m.byID[d.ID] = len(m.discrepancies) - 1
	return d, nil
}

// ListRecords implements Store.
func (m *Memory) ListRecords(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

// ListDiscrepancies implements Store.
func (m *Memory) ListDiscrepancies(_ context.Context, from, to time.Time) ([]Discrepancy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Discrepancy
	for _, d := range m.discrepancies {
		if !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

// MarkResolved implements Store.
func (m *Memory) MarkResolved(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.discrepancies[idx].Status = DiscrepancyResolved
	return nil
}
