package roster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStudentByCard(t *testing.T) {
	m := NewMemory()
	m.AddStudent(Student{ID: "stu-1", Name: "One", CardID: "card-1"})
	m.AddStudent(Student{ID: "stu-2", Name: "No Card Yet"}) // card unassigned

	s, err := m.StudentByCard(context.Background(), "card-1")
	require.NoError(t, err)
	require.Equal(t, "stu-1", s.ID)

	_, err = m.StudentByCard(context.Background(), "card-2")
	require.ErrorIs(t, err, ErrUnknownCard)
}

func TestMemoryDeviceDirectory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.Error(t, m.RegisterDevice(ctx, "", "lab-1"))
	require.NoError(t, m.RegisterDevice(ctx, "reader-1", "lab-1"))

	room, err := m.RoomForDevice(ctx, "reader-1")
	require.NoError(t, err)
	require.Equal(t, "lab-1", room)

	// Re-registration moves the device.
	require.NoError(t, m.RegisterDevice(ctx, "reader-1", "lab-2"))
	room, err = m.RoomForDevice(ctx, "reader-1")
	require.NoError(t, err)
	require.Equal(t, "lab-2", room)

	_, err = m.RoomForDevice(ctx, "ghost")
	require.ErrorIs(t, err, ErrUnknownDevice)
}
