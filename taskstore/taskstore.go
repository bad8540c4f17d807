// Package taskstore is the built-in task sink: it materializes accepted
// ingest items into SQLite work items. It implements ingest.Materializer
// and is idempotent per item id, so replayed items update in place
// instead of duplicating.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
)

// Store is the SQLite-backed materializer.
type Store struct {
	db *sql.DB
}

// New creates a store over an already-opened and migrated database.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateWorkItem implements ingest.Materializer. Re-materializing an
// existing id refreshes its content.
func (s *Store) CreateWorkItem(ctx context.Context, item ingest.Item, defaults ingest.TaskDefaults) error {
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return errors.Wrapf(err, "failed to encode fields for item %s", item.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_items
			(id, adapter_type, channel_id, title, description, author,
			 item_timestamp, task_type, priority, labels, fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			fields = excluded.fields,
			updated_at = CURRENT_TIMESTAMP`,
		item.ID,
		item.Origin.AdapterType,
		item.Origin.ChannelID,
		item.Title,
		item.Description,
		item.Author,
		item.Timestamp,
		defaults.Type,
		defaults.Priority,
		strings.Join(defaults.Labels, ","),
		string(fields),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create work item %s", item.ID)
	}
	return nil
}

// AddReply implements ingest.Materializer.
func (s *Store) AddReply(ctx context.Context, parentID string, item ingest.Item) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_item_comments (id, work_item_id, author, body, item_timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		replyRowID(parentID, item.ID),
		parentID,
		item.Author,
		item.Description,
		item.Timestamp,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to add reply %s to work item %s", item.ID, parentID)
	}
	return nil
}

// HasWorkItem implements ingest.Materializer.
func (s *Store) HasWorkItem(ctx context.Context, id string) bool {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM work_items WHERE id = ?)", id).Scan(&exists)
	return err == nil && exists
}

// replyRowID derives a stable comment id so a replayed reply stays a
// single row.
func replyRowID(parentID, itemID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID+"\x00"+itemID)).String()
}
