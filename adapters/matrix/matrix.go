// Package matrix implements the federated-chat ingestion adapter over the
// Matrix client-server API.
//
// The cursor is the sync token (next_batch). A fresh source performs an
// initial sync that only establishes the token, so room history is never
// replayed. Realtime mode then loops on long-poll /sync calls; poll mode
// issues the same call with a zero timeout.
package matrix

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
)

const adapterType = "matrix"

const clientPrefix = "/_matrix/client/v3"

// defaultSyncGrace is the headroom the per-call deadline adds over the
// server-side long-poll wait. A healthy homeserver answers within the
// wait; a transport silent past the grace is abandoned so the session
// manager can reconnect.
const defaultSyncGrace = 10 * time.Second

// Adapter is the Matrix ingestion adapter.
type Adapter struct {
	longPollTimeout time.Duration
	syncGrace       time.Duration
}

// New creates the Matrix adapter. longPollTimeout is the server-side wait
// passed on realtime /sync calls; each call in the Connect loop carries a
// deadline of longPollTimeout plus a fixed grace.
func New(longPollTimeout time.Duration) *Adapter {
	return &Adapter{longPollTimeout: longPollTimeout, syncGrace: defaultSyncGrace}
}

// Metadata implements ingest.Adapter.
func (a *Adapter) Metadata() ingest.Metadata {
	return ingest.Metadata{
		Type:        adapterType,
		Name:        "Matrix",
		Description: "Ingests room messages from a Matrix homeserver.",
		Version:     "1.0.0",
		ConfigFields: []ingest.ConfigField{
			{Name: "homeserver", Type: "string", Description: "Homeserver base URL", Required: true},
			{Name: "room_id", Type: "string", Description: "Room to ingest", Required: true, Pattern: "^!.+:.+$"},
			{Name: "access_token_secret", Type: "string", Description: "Secret name holding the access token", Required: true, Secret: true},
			{Name: "user_id", Type: "string", Description: "The integration's own user id, dropped from ingestion"},
		},
		ItemFields: []ingest.ItemField{
			{Name: "room", Type: "string", Description: "Room id"},
			{Name: "sender", Type: "string", Description: "Author user id"},
			{Name: "msgtype", Type: "string", Description: "Matrix message type"},
		},
		Capabilities: ingest.Capabilities{Realtime: true, Send: true},
	}
}

// Validate implements ingest.Adapter.
func (a *Adapter) Validate(src *ingest.Source) error {
	hs, ok := src.SettingString("homeserver")
	if !ok || hs == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: homeserver is required", src.ID)
	}
	u, err := url.Parse(hs)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: invalid homeserver url %q", src.ID, hs)
	}
	room, ok := src.SettingString("room_id")
	if !ok || room == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: room_id is required", src.ID)
	}
	if !strings.HasPrefix(room, "!") || !strings.Contains(room, ":") {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: room_id must look like !opaque:server", src.ID)
	}
	if name, ok := src.SettingString("access_token_secret"); !ok || name == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: access_token_secret is required", src.ID)
	}
	return nil
}

// Poll implements ingest.Adapter: one /sync round-trip with no server wait.
func (a *Adapter) Poll(ctx context.Context, src *ingest.Source, state []byte, secrets ingest.SecretFn) (*ingest.PollResult, error) {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return nil, err
	}

	since := string(state)
	if since == "" {
		// First contact: establish the token without replaying history.
		token, err := a.sync(ctx, client, "", 0, nil)
		if err != nil {
			return nil, err
		}
		return &ingest.PollResult{State: []byte(token)}, nil
	}

	norm := newNormalizer(src)
	room, _ := src.SettingString("room_id")
	hs, _ := src.SettingString("homeserver")

	var items []ingest.Item
	token, err := a.sync(ctx, client, since, 0, func(ev event) {
		if !ingestible(ev, room) {
			return
		}
		if item, ok := norm.Normalize(rawFromEvent(ev, hs)); ok {
			items = append(items, *item)
		}
	})
	if err != nil {
		return nil, err
	}
	return &ingest.PollResult{Items: items, State: []byte(token)}, nil
}

// Connect implements ingest.RealtimeAdapter. It blocks, looping on
// long-poll /sync calls until ctx is cancelled or a call fails; the
// caller owns reconnection.
func (a *Adapter) Connect(ctx context.Context, src *ingest.Source, state []byte, secrets ingest.SecretFn, cb ingest.Callbacks) error {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return err
	}

	room, _ := src.SettingString("room_id")
	hs, _ := src.SettingString("homeserver")
	norm := newNormalizer(src)
	log := logger.WithSource(logger.Logger, src.ID)

	since := string(state)
	if since == "" {
		token, err := a.boundedSync(ctx, client, "", 0, nil)
		if err != nil {
			return err
		}
		since = token
		cb.OnState([]byte(since))
		log.Debugw("Initial sync complete", "token", since)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		token, err := a.boundedSync(ctx, client, since, a.longPollTimeout, func(ev event) {
			if !ingestible(ev, room) {
				return
			}
			if item, ok := norm.Normalize(rawFromEvent(ev, hs)); ok {
				cb.OnItem(*item)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		since = token
		cb.OnState([]byte(since))
	}
}

// Send implements ingest.Sender. Matrix requires a client-generated
// transaction id for idempotent sends.
func (a *Adapter) Send(ctx context.Context, src *ingest.Source, target, message string, secrets ingest.SecretFn) error {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return err
	}
	if target == "" {
		target, _ = src.SettingString("room_id")
	}

	var out apiError
	resp, err := client.R().
		SetContext(ctx).
		SetBody(map[string]string{"msgtype": "m.text", "body": message}).
		SetError(&out).
		Put(fmt.Sprintf("%s/rooms/%s/send/m.room.message/%s",
			clientPrefix, url.PathEscape(target), uuid.NewString()))
	if err != nil {
		return errors.Wrap(err, "send failed")
	}
	return checkAPIError(resp, &out)
}

// Test implements ingest.Adapter: whoami verifies the token, then one
// zero-wait sync verifies the room is visible.
func (a *Adapter) Test(ctx context.Context, src *ingest.Source, secrets ingest.SecretFn) (*ingest.TestResult, error) {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	var who struct {
		UserID string `json:"user_id"`
	}
	var apiErr apiError
	resp, err := client.R().
		SetContext(ctx).
		SetResult(&who).
		SetError(&apiErr).
		Get(clientPrefix + "/account/whoami")
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}
	if err := checkAPIError(resp, &apiErr); err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	if _, err := a.sync(ctx, client, "", 0, nil); err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	return &ingest.TestResult{
		OK:      true,
		Message: "authenticated as " + who.UserID,
	}, nil
}

// boundedSync is sync with a per-call deadline of the server-side wait
// plus the grace. The session-lifetime ctx alone would let a homeserver
// that accepts the request and never responds wedge the source forever.
func (a *Adapter) boundedSync(ctx context.Context, client *resty.Client, since string, wait time.Duration, emit func(event)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, wait+a.syncGrace)
	defer cancel()
	return a.sync(callCtx, client, since, wait, emit)
}

// sync performs one /sync call and feeds the configured room's timeline
// events to emit (which may be nil). Returns the new sync token.
func (a *Adapter) sync(ctx context.Context, client *resty.Client, since string, wait time.Duration, emit func(event)) (string, error) {
	params := map[string]string{
		"timeout": strconv.FormatInt(wait.Milliseconds(), 10),
	}
	if since != "" {
		params["since"] = since
	}

	var out syncResponse
	var apiErr apiError
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&out).
		SetError(&apiErr).
		Get(clientPrefix + "/sync")
	if err != nil {
		return "", errors.Wrap(err, "sync failed")
	}
	if err := checkAPIError(resp, &apiErr); err != nil {
		return "", err
	}
	if out.NextBatch == "" {
		return "", errors.New("sync returned no next_batch token")
	}

	if emit != nil {
		for id, joined := range out.Rooms.Join {
			for _, ev := range joined.Timeline.Events {
				ev.RoomID = id
				emit(ev)
			}
		}
	}
	return out.NextBatch, nil
}

func newNormalizer(src *ingest.Source) *ingest.Normalizer {
	self, _ := src.SettingString("user_id")
	return ingest.NewNormalizer(adapterType, self, src.SurfaceUndecryptable)
}

// ingestible keeps only message and encrypted events from the configured
// room; state events, receipts, and foreign rooms are dropped.
func ingestible(ev event, room string) bool {
	if ev.RoomID != room {
		return false
	}
	return ev.Type == "m.room.message" || ev.Type == "m.room.encrypted"
}

// rawFromEvent maps one timeline event onto the shared normalization input.
func rawFromEvent(ev event, homeserver string) ingest.RawMessage {
	raw := ingest.RawMessage{
		NativeID:  ev.EventID,
		Author:    ev.Sender,
		SenderID:  ev.Sender,
		ChannelID: ev.RoomID,
		Timestamp: time.UnixMilli(ev.OriginServerTS).UTC(),
		Fields: map[string]any{
			"room":    ev.RoomID,
			"sender":  ev.Sender,
			"msgtype": ev.Content.MsgType,
		},
	}

	if ev.Content.RelatesTo != nil && ev.Content.RelatesTo.InReplyTo != nil {
		raw.ReplyToNativeID = ev.Content.RelatesTo.InReplyTo.EventID
	}

	if ev.Type == "m.room.encrypted" {
		raw.Undecryptable = true
		return raw
	}

	raw.Body = ev.Content.Body
	if ev.Content.URL != "" {
		raw.Attachments = append(raw.Attachments, ingest.Attachment{
			URL:      mediaDownloadURL(homeserver, ev.Content.URL),
			Type:     ev.Content.Info.Mimetype,
			Filename: ev.Content.Filename,
		})
	}
	return raw
}

// mediaDownloadURL resolves an mxc:// content URI to an HTTP download URL
// on the configured homeserver.
func mediaDownloadURL(homeserver, mxc string) string {
	rest, ok := strings.CutPrefix(mxc, "mxc://")
	if !ok {
		return mxc
	}
	return strings.TrimSuffix(homeserver, "/") + "/_matrix/media/v3/download/" + rest
}

func (a *Adapter) restClient(src *ingest.Source, secrets ingest.SecretFn) (*resty.Client, error) {
	secretName, _ := src.SettingString("access_token_secret")
	token, err := secrets(secretName)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSecretMissing, "secret %s: %v", secretName, err)
	}
	hs, _ := src.SettingString("homeserver")

	// No client-level timeout: every call carries a request context
	// deadline, the engine's poll timeout for Poll/Test and the bounded
	// per-call deadline in the Connect loop.
	return resty.New().
		SetBaseURL(strings.TrimSuffix(hs, "/")).
		SetAuthToken(token), nil
}

// checkAPIError translates a Matrix error body into the shared taxonomy.
func checkAPIError(resp *resty.Response, apiErr *apiError) error {
	if resp.IsSuccess() {
		return nil
	}
	switch apiErr.ErrCode {
	case "M_UNKNOWN_TOKEN", "M_MISSING_TOKEN":
		return errors.Wrapf(errors.ErrAuthFailed, "%s: %s", apiErr.ErrCode, apiErr.Error)
	case "M_FORBIDDEN", "M_GUEST_ACCESS_FORBIDDEN":
		return errors.Wrapf(errors.ErrScopeDenied, "%s: %s", apiErr.ErrCode, apiErr.Error)
	case "M_NOT_FOUND":
		return errors.Wrapf(errors.ErrNotFound, "%s: %s", apiErr.ErrCode, apiErr.Error)
	case "":
		return errors.Newf("unexpected status %d", resp.StatusCode())
	default:
		return errors.Newf("%s: %s", apiErr.ErrCode, apiErr.Error)
	}
}
