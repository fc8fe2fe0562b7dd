// Package state provides versioned bot state persistence.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrConflict is returned by SaveAt when the expected version no longer
// matches the stored head. Callers should re-read and retry.
var ErrConflict = errors.New("state version conflict")

// Record is one persisted state version for a bot.
type Record struct {
	BotID     string    `json:"bot_id"`
	Version   int64     `json:"version"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

const schema = `
CREATE TABLE IF NOT EXISTS bot_state (
	bot_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (bot_id, version)
);
CREATE INDEX IF NOT EXISTS idx_bot_state_bot ON bot_state(bot_id, version DESC);
`

// Manager stores bot state as an append-only sequence of versions per bot.
// Once Save returns nil the version is durable: a subsequent Load, including
// after a process restart, returns that version or newer.
type Manager struct {
	db *sql.DB
}

// NewManager opens (or creates) the state database at dbPath.
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply state schema: %w", err)
	}
	return &Manager{db: db}, nil
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// Save writes a new version for botID and returns it. Versions increase
// monotonically; the write is atomic, never partial.
func (m *Manager) Save(botID, payload string) (int64, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) + 1 FROM bot_state WHERE bot_id = ?`, botID,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO bot_state (bot_id, version, payload) VALUES (?, ?, ?)`,
		botID, next, payload,
	); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	return next, nil
}

// SaveAt writes a new version only if the current head version equals
// expected. Returns ErrConflict otherwise.
func (m *Manager) SaveAt(botID string, expected int64, payload string) (int64, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	defer tx.Rollback()

	var head int64
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM bot_state WHERE bot_id = ?`, botID,
	).Scan(&head); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	if head != expected {
		return 0, fmt.Errorf("%w: head=%d expected=%d", ErrConflict, head, expected)
	}
	next := head + 1
	if _, err := tx.Exec(
		`INSERT INTO bot_state (bot_id, version, payload) VALUES (?, ?, ?)`,
		botID, next, payload,
	); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("state save: %w", err)
	}
	return next, nil
}

// Load returns the latest record for botID. A bot with no saved state gets
// a zero Record (Version 0, empty payload), not an error.
func (m *Manager) Load(botID string) (Record, error) {
	rec := Record{BotID: botID}
	err := m.db.QueryRow(
		`SELECT version, payload, created_at FROM bot_state
		 WHERE bot_id = ? ORDER BY version DESC LIMIT 1`, botID,
	).Scan(&rec.Version, &rec.Payload, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("state load: %w", err)
	}
	return rec, nil
}

// Prune keeps at most keep versions per bot, deleting older ones.
func (m *Manager) Prune(botID string, keep int64) error {
	rec, err := m.Load(botID)
	if err != nil {
		return err
	}
	_, err = m.db.Exec(
		`DELETE FROM bot_state WHERE bot_id = ? AND version <= ?`,
		botID, rec.Version-keep,
	)
	if err != nil {
		return fmt.Errorf("state prune: %w", err)
	}
	return nil
}
