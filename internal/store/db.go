package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// DB wraps sql.DB for Postgres using pgx.
type DB struct {
	Client *sql.DB
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(connString string) (*DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &DB{Client: db}, db.PingContext(context.Background())
}

// EnsureSchema creates the engine's tables when they do not exist yet.
// Idempotent; safe to run on every startup.
func (d *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			room_id   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS students (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL DEFAULT '',
			rfid_card_id TEXT UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_records (
			id             TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL,
			student_id     TEXT NOT NULL,
			status         TEXT NOT NULL,
			check_in_time  TIMESTAMPTZ,
			check_out_time TIMESTAMPTZ,
			late_by_minutes INT NOT NULL DEFAULT 0,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (session_id, student_id)
		)`,
		`CREATE TABLE IF NOT EXISTS discrepancies (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			student_id       TEXT,
			flag             TEXT NOT NULL,
			rfid_tap_time    TIMESTAMPTZ,
			sensor_time      TIMESTAMPTZ,
			validation_timeout BOOLEAN NOT NULL DEFAULT FALSE,
			status           TEXT NOT NULL DEFAULT 'open',
			created_at       TIMESTAMPTZ NOT NULL,
			dedup_key        TEXT NOT NULL UNIQUE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_discrepancies_created ON discrepancies (created_at)`,
	}
	for _, s := range stmts {
		if _, err := d.Client.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
