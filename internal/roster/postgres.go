package roster

import (
	"context"
	"database/sql"
	"errors"
)

// Postgres reads the roster tables maintained by the CRUD subsystem.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a roster backed by the shared database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// StudentByCard implements Lookup.
func (p *Postgres) StudentByCard(ctx context.Context, cardID string) (Student, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, rfid_card_id
		FROM students WHERE rfid_card_id = $1
	`, cardID)
	var s Student
	if err := row.Scan(&s.ID, &s.Name, &s.CardID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrUnknownCard
		}
		return Student{}, err
	}
	return s, nil
}

// RegisterDevice upserts a device/room binding.
func (p *Postgres) RegisterDevice(ctx context.Context, deviceID, roomID string) error {
	if deviceID == "" || roomID == "" {
		return errors.New("device id and room id required")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, room_id)
		VALUES ($1, $2)
		ON CONFLICT (device_id) DO UPDATE SET room_id = EXCLUDED.room_id
	`, deviceID, roomID)
	return err
}

// RoomForDevice implements DeviceDirectory.
func (p *Postgres) RoomForDevice(ctx context.Context, deviceID string) (string, error) {
	row := p.db.QueryRowContext(ctx, `SELECT room_id FROM devices WHERE device_id = $1`, deviceID)
	var room string
	if err := row.Scan(&room); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUnknownDevice
		}
		return "", err
	}
	return room, nil
}
