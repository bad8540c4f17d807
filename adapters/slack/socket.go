package slack

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
)

// readWait bounds how long a socket read may block without traffic; Slack
// pings well inside this window, so hitting it means a dead transport.
const readWait = 2 * time.Minute

// Connect implements ingest.RealtimeAdapter over Socket Mode. It blocks
// for the lifetime of one connection and returns on cancellation or on
// any transport error; the caller owns reconnection.
func (a *Adapter) Connect(ctx context.Context, src *ingest.Source, state []byte, secrets ingest.SecretFn, cb ingest.Callbacks) error {
	var cur cursor
	if len(state) > 0 {
		if err := json.Unmarshal(state, &cur); err != nil {
			return errors.Wrap(err, "failed to decode channel cursor")
		}
	}

	wsURL, err := a.openSocketURL(ctx, src, secrets)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "socket dial failed")
	}
	defer conn.Close()

	// Closing the connection is the only way to abort a blocked read, so
	// cancellation must reach it from outside the read loop.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stopWatch:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(10*time.Second))
	})

	log := logger.WithSource(logger.Logger, src.ID)
	channel, _ := src.SettingString("channel_id")
	norm := newNormalizer(src)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "socket read failed")
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			// Malformed frame: drop it, keep the connection.
			log.Warnw("Dropping malformed socket frame", "error", err)
			if cb.OnError != nil {
				cb.OnError(errors.Wrap(err, "malformed socket frame"))
			}
			continue
		}

		// Ack before processing; Slack redelivers unacked envelopes, and
		// the dedup ledger already covers redelivery after a crash.
		if env.EnvelopeID != "" {
			if err := conn.WriteJSON(ack{EnvelopeID: env.EnvelopeID}); err != nil {
				return errors.Wrap(err, "socket ack failed")
			}
		}

		switch env.Type {
		case "hello":
			log.Debugw("Socket Mode session established")
		case "disconnect":
			// Slack refreshes connections periodically; reconnect.
			return errors.New("server requested disconnect")
		case "events_api":
			ev := env.Payload.Event
			if ev.Type != "message" || ev.Subtype != "" {
				continue
			}
			if ev.Channel != "" && ev.Channel != channel {
				continue
			}
			item, ok := norm.Normalize(rawFromMessage(ev, channel))
			if !ok {
				continue
			}
			cb.OnItem(*item)

			if ev.TS > cur.LastTS {
				cur.LastTS = ev.TS
			}
			newState, err := json.Marshal(cur)
			if err != nil {
				return errors.Wrap(err, "failed to encode channel cursor")
			}
			cb.OnState(newState)
		}
	}
}

// openSocketURL performs the apps.connections.open handshake with the
// app-level token.
func (a *Adapter) openSocketURL(ctx context.Context, src *ingest.Source, secrets ingest.SecretFn) (string, error) {
	secretName, _ := src.SettingString("app_token_secret")
	appToken, err := secrets(secretName)
	if err != nil {
		return "", errors.Wrapf(errors.ErrSecretMissing, "secret %s: %v", secretName, err)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return "", err
	}

	client, err := a.restClient(src, secrets)
	if err != nil {
		return "", err
	}
	var out connectionsOpenResponse
	resp, err := client.R().
		SetContext(ctx).
		SetAuthToken(appToken).
		SetResult(&out).
		Post("/apps.connections.open")
	if err != nil {
		return "", errors.Wrap(err, "connections.open failed")
	}
	if err := apiError(resp, out.OK, out.Error); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errors.New("connections.open returned no socket url")
	}
	return out.URL, nil
}
