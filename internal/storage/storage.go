// Package storage persists the clock snapshot and the small per-origin
// key-value slots (such as the learned stable playback rate) in a single
// SQLite file.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/playhead/playhead/internal/clock"
)

// Store wraps the SQLite database. A nil Store is not usable; Open or
// OpenMemory construct one.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &Store{db: db}
	if err := s.EnsureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory database, used by tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *Store) EnsureSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS clock_snapshots (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			offset_ms INTEGER NOT NULL,
			running INTEGER NOT NULL DEFAULT 0,
			detached INTEGER NOT NULL DEFAULT 0,
			saved_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS kv_slots (
			origin TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (origin, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the single snapshot row. The snapshot is written as
// handed over; the clock server always hands it over paused and attached.
func (s *Store) SaveSnapshot(ctx context.Context, snap clock.PersistedSnapshot) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clock_snapshots (id, offset_ms, running, detached, saved_at)
		VALUES (1, ?, ?, ?, unixepoch())
		ON CONFLICT(id) DO UPDATE SET
			offset_ms=excluded.offset_ms,
			running=excluded.running,
			detached=excluded.detached,
			saved_at=excluded.saved_at
	`, snap.OffsetMs, boolToInt(snap.Running), boolToInt(snap.Detached))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot, or clock.ErrNoSnapshot when
// nothing has been saved yet.
func (s *Store) LoadSnapshot(ctx context.Context) (clock.PersistedSnapshot, error) {
	if s == nil || s.db == nil {
		return clock.PersistedSnapshot{}, fmt.Errorf("storage: missing database connection")
	}

	var snap clock.PersistedSnapshot
	var running, detached int
	err := s.db.QueryRowContext(ctx, `
		SELECT offset_ms, running, detached
		FROM clock_snapshots
		WHERE id = 1
	`).Scan(&snap.OffsetMs, &running, &detached)
	if errors.Is(err, sql.ErrNoRows) {
		return clock.PersistedSnapshot{}, clock.ErrNoSnapshot
	}
	if err != nil {
		return clock.PersistedSnapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	snap.Running = running != 0
	snap.Detached = detached != 0
	return snap, nil
}

// GetSlot reads a per-origin key-value slot. The second return reports
// whether the slot exists.
func (s *Store) GetSlot(origin, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, fmt.Errorf("storage: missing database connection")
	}

	var value string
	err := s.db.QueryRow(`
		SELECT value FROM kv_slots WHERE origin = ? AND key = ?
	`, origin, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get slot %s/%s: %w", origin, key, err)
	}
	return value, true, nil
}

// SetSlot writes a per-origin key-value slot.
func (s *Store) SetSlot(origin, key, value string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage: missing database connection")
	}

	_, err := s.db.Exec(`
		INSERT INTO kv_slots (origin, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(origin, key) DO UPDATE SET value=excluded.value
	`, origin, key, value)
	if err != nil {
		return fmt.Errorf("set slot %s/%s: %w", origin, key, err)
	}
	return nil
}

// Slots scopes the key-value slots to one origin, satisfying the controller's
// rate store interface.
func (s *Store) Slots(origin string) *SlotStore {
	return &SlotStore{store: s, origin: origin}
}

// SlotStore is a Store scoped to a single origin.
type SlotStore struct {
	store  *Store
	origin string
}

func (k *SlotStore) Get(key string) (string, bool, error) {
	return k.store.GetSlot(k.origin, key)
}

func (k *SlotStore) Set(key, value string) error {
	return k.store.SetSlot(k.origin, key, value)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
