package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/intake/ingest"
)

// socketServer mocks both the connections.open handshake and the Socket
// Mode websocket endpoint. handler drives one websocket session.
func socketServer(t *testing.T, handler func(conn *websocket.Conn)) *Adapter {
	t.Helper()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	})
	mux.HandleFunc("/apps.connections.open", func(w http.ResponseWriter, _ *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(connectionsOpenResponse{OK: true, URL: wsURL})
	})

	return testAdapter(srv.URL)
}

func realtimeSource() *ingest.Source {
	src := slackSource(map[string]any{"app_token_secret": "SLACK_APP"})
	src.ConnectionMode = ingest.ModeRealtime
	return src
}

func TestConnectDeliversEventsAndAcks(t *testing.T) {
	acked := make(chan string, 2)

	a := socketServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(envelope{Type: "hello"}))
		require.NoError(t, conn.WriteJSON(envelope{
			Type:       "events_api",
			EnvelopeID: "env-1",
			Payload: envelopePayload{Event: message{
				Type: "message", Channel: "C123", User: "U1", Text: "ship it", TS: "3.0",
			}},
		}))

		var got ack
		require.NoError(t, conn.ReadJSON(&got))
		acked <- got.EnvelopeID

		// Ask the client to reconnect; Connect must return an error.
		conn.WriteJSON(envelope{Type: "disconnect", EnvelopeID: "env-2"})
		conn.ReadJSON(&got)
		acked <- got.EnvelopeID
	})

	var items []ingest.Item
	var states [][]byte
	err := a.Connect(context.Background(), realtimeSource(), []byte(`{"last_ts":"1.0"}`), secrets, ingest.Callbacks{
		OnItem:  func(item ingest.Item) { items = append(items, item) },
		OnState: func(state []byte) { states = append(states, append([]byte(nil), state...)) },
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)

	require.Len(t, items, 1)
	assert.Equal(t, "slack-C123-3.0", items[0].ID)
	assert.Equal(t, "ship it", items[0].Title)

	// State committed after the item, advanced past the event.
	require.Len(t, states, 1)
	assert.JSONEq(t, `{"last_ts":"3.0"}`, string(states[0]))

	assert.Equal(t, "env-1", <-acked)
	assert.Equal(t, "env-2", <-acked)
}

func TestConnectFiltersForeignChannelsAndSubtypes(t *testing.T) {
	a := socketServer(t, func(conn *websocket.Conn) {
		events := []message{
			{Type: "message", Channel: "COTHER", User: "U1", Text: "wrong room", TS: "1.0"},
			{Type: "message", Subtype: "channel_join", Channel: "C123", User: "U1", TS: "2.0"},
			{Type: "message", Channel: "C123", User: "U1", Text: "keep me", TS: "3.0"},
		}
		for _, ev := range events {
			require.NoError(t, conn.WriteJSON(envelope{
				Type:       "events_api",
				EnvelopeID: "env",
				Payload:    envelopePayload{Event: ev},
			}))
			var got ack
			require.NoError(t, conn.ReadJSON(&got))
		}
		conn.WriteJSON(envelope{Type: "disconnect"})
	})

	var items []ingest.Item
	err := a.Connect(context.Background(), realtimeSource(), nil, secrets, ingest.Callbacks{
		OnItem:  func(item ingest.Item) { items = append(items, item) },
		OnState: func([]byte) {},
	})
	require.Error(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "keep me", items[0].Title)
}

func TestConnectCancellationUnblocksRead(t *testing.T) {
	a := socketServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(envelope{Type: "hello"})
		// Leave the client blocked in a read.
		conn.ReadMessage()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Connect(ctx, realtimeSource(), nil, secrets, ingest.Callbacks{
			OnItem:  func(ingest.Item) {},
			OnState: func([]byte) {},
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Connect did not observe cancellation promptly")
	}
}

func TestConnectHandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(connectionsOpenResponse{OK: false, Error: "invalid_auth"})
	}))
	defer srv.Close()

	err := testAdapter(srv.URL).Connect(context.Background(), realtimeSource(), nil, secrets, ingest.Callbacks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_auth")
}
