package taskstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/intake/db"
	"github.com/teranos/intake/ingest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "intake.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.Migrate(conn, nil))
	return New(conn)
}

func testItem(id, title string) ingest.Item {
	hash := "abc"
	return ingest.Item{
		ID:          id,
		Title:       title,
		Description: title + " body",
		Hash:        &hash,
		Author:      "alice",
		Timestamp:   time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Fields:      map[string]any{"channel": "eng"},
		Origin:      ingest.Origin{AdapterType: "slack", ChannelID: "C123"},
	}
}

func TestCreateWorkItemIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	defaults := ingest.TaskDefaults{Type: "task", Priority: 2, Labels: []string{"inbox", "slack"}}

	require.NoError(t, s.CreateWorkItem(ctx, testItem("slack-1", "first"), defaults))
	assert.True(t, s.HasWorkItem(ctx, "slack-1"))
	assert.False(t, s.HasWorkItem(ctx, "slack-2"))

	// Replaying the same id updates in place, no duplicate row.
	require.NoError(t, s.CreateWorkItem(ctx, testItem("slack-1", "first (edited)"), defaults))

	var count int
	var title, labels string
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM work_items").Scan(&count))
	require.NoError(t, s.db.QueryRow(
		"SELECT title, labels FROM work_items WHERE id = ?", "slack-1").Scan(&title, &labels))
	assert.Equal(t, 1, count)
	assert.Equal(t, "first (edited)", title)
	assert.Equal(t, "inbox,slack", labels)
}

func TestAddReplyIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkItem(ctx, testItem("slack-root", "root"), ingest.TaskDefaults{}))

	reply := testItem("slack-child", "a reply")
	reply.ReplyTo = "slack-root"
	require.NoError(t, s.AddReply(ctx, "slack-root", reply))
	require.NoError(t, s.AddReply(ctx, "slack-root", reply))

	var count int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM work_item_comments WHERE work_item_id = ?", "slack-root").Scan(&count))
	assert.Equal(t, 1, count)
}
