package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/intake/errors"
)

func realtimeSource(id string) *Source {
	return &Source{ID: id, Type: "fake", Enabled: true, ConnectionMode: ModeRealtime}
}

func newTestSessionManager(store StateStore) *SessionManager {
	return NewSessionManager(store, noSecrets, 20*time.Millisecond, time.Second, testLogger())
}

func TestSessionDeliversItemsAndCommitsCursor(t *testing.T) {
	store := NewMemStateStore()
	m := newTestSessionManager(store)

	adapter := newFakeRealtimeAdapter("fake")
	adapter.connectFn = func(ctx context.Context, _ *Source, state []byte, _ SecretFn, cb Callbacks) error {
		cb.OnItem(Item{ID: "fake-1"})
		cb.OnItem(Item{ID: "fake-2"})
		cb.OnState([]byte(`{"batch":"1"}`))
		<-ctx.Done()
		return ctx.Err()
	}

	var mu sync.Mutex
	var got []string
	err := m.Connect(realtimeSource("rt1"), adapter,
		func(_ context.Context, item Item) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, item.ID)
			return nil
		}, nil)
	require.NoError(t, err)

	waitFor(t, func() bool {
		state, _ := store.GetState(context.Background(), "rt1")
		return state != nil
	})

	mu.Lock()
	assert.Equal(t, []string{"fake-1", "fake-2"}, got) // per-item, in order
	mu.Unlock()

	state, _ := store.GetState(context.Background(), "rt1")
	assert.Equal(t, []byte(`{"batch":"1"}`), state)

	require.NoError(t, m.Disconnect("rt1"))
}

func TestSessionReconnectPreservesCommittedCursor(t *testing.T) {
	store := NewMemStateStore()
	require.NoError(t, store.PutState(context.Background(), "rt1", []byte("cursor-0")))
	m := newTestSessionManager(store)

	var attempts atomic.Int64
	var mu sync.Mutex
	var resumedFrom [][]byte

	adapter := newFakeRealtimeAdapter("fake")
	adapter.connectFn = func(ctx context.Context, _ *Source, state []byte, _ SecretFn, cb Callbacks) error {
		n := attempts.Add(1)
		mu.Lock()
		resumedFrom = append(resumedFrom, state)
		mu.Unlock()

		switch n {
		case 1:
			// First connection commits a new cursor, then dies mid-loop
			// after advancing an internal (uncommitted) cursor.
			cb.OnItem(Item{ID: "fake-1"})
			cb.OnState([]byte("cursor-1"))
			return errors.New("stream reset")
		default:
			<-ctx.Done()
			return ctx.Err()
		}
	}

	require.NoError(t, m.Connect(realtimeSource("rt1"), adapter,
		func(context.Context, Item) error { return nil }, nil))

	waitFor(t, func() bool { return attempts.Load() >= 2 })

	mu.Lock()
	require.GreaterOrEqual(t, len(resumedFrom), 2)
	assert.Equal(t, []byte("cursor-0"), resumedFrom[0])
	// Retry resumes from the last committed cursor, never from scratch.
	assert.Equal(t, []byte("cursor-1"), resumedFrom[1])
	mu.Unlock()

	require.NoError(t, m.Disconnect("rt1"))
}

func TestSessionSkipsCommitWhenItemHandlingFails(t *testing.T) {
	store := NewMemStateStore()
	require.NoError(t, store.PutState(context.Background(), "rt1", []byte("cursor-0")))
	m := newTestSessionManager(store)

	adapter := newFakeRealtimeAdapter("fake")
	delivered := make(chan struct{})
	adapter.connectFn = func(ctx context.Context, _ *Source, state []byte, _ SecretFn, cb Callbacks) error {
		cb.OnItem(Item{ID: "fake-1"})
		cb.OnState([]byte("cursor-1"))
		close(delivered)
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, m.Connect(realtimeSource("rt1"), adapter,
		func(context.Context, Item) error { return errors.New("tracker unavailable") }, nil))

	<-delivered
	time.Sleep(50 * time.Millisecond)

	// Cursor must not advance past the unhandled item.
	state, _ := store.GetState(context.Background(), "rt1")
	assert.Equal(t, []byte("cursor-0"), state)

	require.NoError(t, m.Disconnect("rt1"))
}

func TestSessionDisconnectAcknowledgedExactlyOnce(t *testing.T) {
	m := newTestSessionManager(NewMemStateStore())

	adapter := newFakeRealtimeAdapter("fake")
	var disconnects atomic.Int64
	require.NoError(t, m.Connect(realtimeSource("rt1"), adapter,
		func(context.Context, Item) error { return nil },
		func(reason string) { disconnects.Add(1) }))

	waitFor(t, func() bool { return m.State("rt1") == SessionConnected })

	require.NoError(t, m.Disconnect("rt1"))
	assert.Equal(t, int64(1), disconnects.Load())
	assert.Equal(t, SessionDisconnected, m.State("rt1"))

	// Second disconnect: no session.
	err := m.Disconnect("rt1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.Equal(t, int64(1), disconnects.Load())
}

func TestSessionDisconnectAbortsLongPoll(t *testing.T) {
	m := newTestSessionManager(NewMemStateStore())

	adapter := newFakeRealtimeAdapter("fake")
	adapter.connectFn = func(ctx context.Context, _ *Source, _ []byte, _ SecretFn, _ Callbacks) error {
		// Simulates a blocking long-poll receive: only cancellation
		// unblocks it.
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, m.Connect(realtimeSource("rt1"), adapter,
		func(context.Context, Item) error { return nil }, nil))
	waitFor(t, func() bool { return m.State("rt1") == SessionConnected })

	start := time.Now()
	require.NoError(t, m.Disconnect("rt1"))
	// Cancellation is cooperative and immediate, not a timeout wait.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSendWithoutActiveSessionFailsExplicitly(t *testing.T) {
	m := newTestSessionManager(NewMemStateStore())

	err := m.Send(context.Background(), "rt1", "#eng", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
}

func TestSendThroughActiveSession(t *testing.T) {
	m := newTestSessionManager(NewMemStateStore())

	adapter := newFakeRealtimeAdapter("fake")
	var sent []string
	var mu sync.Mutex
	adapter.sendFn = func(_ context.Context, _ *Source, target, message string, _ SecretFn) error {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, target+":"+message)
		return nil
	}

	require.NoError(t, m.Connect(realtimeSource("rt1"), adapter,
		func(context.Context, Item) error { return nil }, nil))
	waitFor(t, func() bool { return m.State("rt1") == SessionConnected })

	require.NoError(t, m.Send(context.Background(), "rt1", "#eng", "hello"))
	mu.Lock()
	assert.Equal(t, []string{"#eng:hello"}, sent)
	mu.Unlock()

	require.NoError(t, m.Disconnect("rt1"))
}

func TestSessionManagerShutdown(t *testing.T) {
	m := newTestSessionManager(NewMemStateStore())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, m.Connect(realtimeSource(id), newFakeRealtimeAdapter("fake"),
			func(context.Context, Item) error { return nil }, nil))
	}

	m.Shutdown()

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, SessionDisconnected, m.State(id))
	}
}
