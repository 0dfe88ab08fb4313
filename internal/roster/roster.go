// Package roster exposes read-only lookups into the student and device
// registries owned by the CRUD subsystem. The engine resolves card taps to
// students and device ids to rooms through it, nothing more.
package roster

import (
	"context"
	"errors"
	"sync"
)

// Student is the slice of the roster the engine needs: identity by card.
type Student struct {
	ID     string
	Name   string
	CardID string
}

// Lookup resolves RFID card ids to enrolled students.
type Lookup interface {
	StudentByCard(ctx context.Context, cardID string) (Student, error)
}

// DeviceDirectory maps registered device ids to the room they are mounted in.
type DeviceDirectory interface {
	RoomForDevice(ctx context.Context, deviceID string) (string, error)
	RegisterDevice(ctx context.Context, deviceID, roomID string) error
}

var (
	// ErrUnknownCard means the card is not bound to any enrolled student.
	ErrUnknownCard = errors.New("unknown rfid card")
	// ErrUnknownDevice means the device never registered.
	ErrUnknownDevice = errors.New("unknown device")
)

// Memory is an in-process roster used by tests and the memory backend.
type Memory struct {
	mu       sync.RWMutex
	byCard   map[string]Student
	byDevice map[string]string
}

// NewMemory creates an empty in-memory roster.
func NewMemory() *Memory {
	return &Memory{
		byCard:   make(map[string]Student),
		byDevice: make(map[string]string),
	}
}

// AddStudent enrolls a student, binding their card when set.
func (m *Memory) AddStudent(s Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CardID != "" {
		m.byCard[s.CardID] = s
	}
}

// StudentByCard implements Lookup.
func (m *Memory) StudentByCard(_ context.Context, cardID string) (Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byCard[cardID]
	if !ok {
		return Student{}, ErrUnknownCard
	}
	return s, nil
}

// RegisterDevice binds a device to a room.
func (m *Memory) RegisterDevice(_ context.Context, deviceID, roomID string) error {
	if deviceID == "" || roomID == "" {
		return errors.New("device id and room id required")
	}
	m.mu.Lock()
	m.byDevice[deviceID] = roomID
	m.mu.Unlock()
	return nil
}

// RoomForDevice implements DeviceDirectory.
func (m *Memory) RoomForDevice(_ context.Context, deviceID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.byDevice[deviceID]
	if !ok {
		return "", ErrUnknownDevice
	}
	return room, nil
}
