// Package statestore persists adapter cursor state and observed thread
// roots in SQLite. It implements ingest.StateStore.
//
// State blobs are opaque: stored verbatim, replaced wholesale, never
// merged or diffed. Per-source access is single-writer by construction
// (each source's poller or session loop is the only mutator), so no
// row-level locking beyond SQLite's own is needed.
package statestore

import (
	"context"
	"database/sql"

	"github.com/teranos/intake/errors"
)

// Store is the SQLite-backed state store.
type Store struct {
	db *sql.DB
}

// New creates a store over an already-opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetState returns the stored cursor for a source, nil when the source
// has never committed one.
func (s *Store) GetState(ctx context.Context, sourceID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM adapter_state WHERE source_id = ?", sourceID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load state for source %s", sourceID)
	}
	return state, nil
}

// PutState replaces the stored cursor wholesale.
func (s *Store) PutState(ctx context.Context, sourceID string, state []byte) error {
	if state == nil {
		state = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO adapter_state (source_id, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(source_id) DO UPDATE SET
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP`,
		sourceID, state)
	if err != nil {
		return errors.Wrapf(err, "failed to persist state for source %s", sourceID)
	}
	return nil
}

// Threads returns up to limit most recently observed thread roots for a
// source.
func (s *Store) Threads(ctx context.Context, sourceID string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id FROM known_threads
		WHERE source_id = ?
		ORDER BY first_seen DESC
		LIMIT ?`,
		sourceID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load threads for source %s", sourceID)
	}
	defer rows.Close()

	var threads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan thread id")
		}
		threads = append(threads, id)
	}
	return threads, rows.Err()
}

// RecordThread records a thread root. Re-recording an existing root is a
// no-op.
func (s *Store) RecordThread(ctx context.Context, sourceID, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO known_threads (source_id, thread_id)
		VALUES (?, ?)
		ON CONFLICT(source_id, thread_id) DO NOTHING`,
		sourceID, threadID)
	if err != nil {
		return errors.Wrapf(err, "failed to record thread %s for source %s", threadID, sourceID)
	}
	return nil
}

// DeleteSource removes all engine-owned state for a source, used when a
// source is deleted from configuration.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM adapter_state WHERE source_id = ?", sourceID); err != nil {
		return errors.Wrapf(err, "failed to delete state for source %s", sourceID)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM known_threads WHERE source_id = ?", sourceID); err != nil {
		return errors.Wrapf(err, "failed to delete threads for source %s", sourceID)
	}
	return nil
}
