// Package slack implements the team-chat ingestion adapter.
//
// Polling walks conversations.history above a message-timestamp cursor.
// Realtime uses Socket Mode: apps.connections.open hands out a websocket
// URL, events arrive as envelopes that must be acked by envelope id.
// The cursor is the newest message ts seen, shared between both modes so
// switching a source's connection mode does not replay history.
package slack

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
)

const adapterType = "slack"

const defaultAPIBase = "https://slack.com/api"

// historyPageSize bounds one poll's batch.
const historyPageSize = 100

// cursor is the adapter state blob. Slack message timestamps are strings
// with sub-second precision and sort lexicographically within a channel.
type cursor struct {
	LastTS string `json:"last_ts"`
}

// Adapter is the Slack ingestion adapter.
type Adapter struct {
	apiBase string
	limiter *rate.Limiter
}

// New creates the Slack adapter. The shared limiter keeps the web API
// inside Slack's tier-3 rate class across all sources of this type.
func New() *Adapter {
	return &Adapter{
		apiBase: defaultAPIBase,
		limiter: rate.NewLimiter(rate.Limit(1), 3),
	}
}

// Metadata implements ingest.Adapter.
func (a *Adapter) Metadata() ingest.Metadata {
	return ingest.Metadata{
		Type:        adapterType,
		Name:        "Slack",
		Description: "Ingests channel messages over the Slack web API or Socket Mode.",
		Version:     "1.0.0",
		ConfigFields: []ingest.ConfigField{
			{Name: "channel_id", Type: "string", Description: "Channel to ingest", Required: true, Pattern: "^[CDG][A-Z0-9]+$"},
			{Name: "token_secret", Type: "string", Description: "Secret name holding the bot token", Required: true, Secret: true},
			{Name: "app_token_secret", Type: "string", Description: "Secret name holding the app-level token (Socket Mode only)", Secret: true},
			{Name: "bot_user_id", Type: "string", Description: "The integration's own user id, dropped from ingestion"},
		},
		ItemFields: []ingest.ItemField{
			{Name: "channel", Type: "string", Description: "Channel id"},
			{Name: "user", Type: "string", Description: "Author user id"},
		},
		Capabilities: ingest.Capabilities{Realtime: true, Send: true, Threads: true},
	}
}

// Validate implements ingest.Adapter.
func (a *Adapter) Validate(src *ingest.Source) error {
	if ch, ok := src.SettingString("channel_id"); !ok || ch == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: channel_id is required", src.ID)
	}
	if name, ok := src.SettingString("token_secret"); !ok || name == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: token_secret is required", src.ID)
	}
	if src.ConnectionMode == ingest.ModeRealtime {
		if name, ok := src.SettingString("app_token_secret"); !ok || name == "" {
			return errors.Wrapf(errors.ErrInvalidConfig, "source %s: app_token_secret is required for realtime mode", src.ID)
		}
	}
	return nil
}

// Poll implements ingest.Adapter.
func (a *Adapter) Poll(ctx context.Context, src *ingest.Source, state []byte, secrets ingest.SecretFn) (*ingest.PollResult, error) {
	var cur cursor
	if len(state) > 0 {
		if err := json.Unmarshal(state, &cur); err != nil {
			return nil, errors.Wrap(err, "failed to decode channel cursor")
		}
	}

	client, err := a.restClient(src, secrets)
	if err != nil {
		return nil, err
	}
	channel, _ := src.SettingString("channel_id")

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var out historyResponse
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"channel":   channel,
			"oldest":    cur.LastTS,
			"inclusive": "false",
			"limit":     strconv.Itoa(historyPageSize),
		}).
		SetResult(&out).
		Get("/conversations.history")
	if err != nil {
		return nil, errors.Wrap(err, "history request failed")
	}
	if err := apiError(resp, out.OK, out.Error); err != nil {
		return nil, err
	}

	norm := newNormalizer(src)

	// The API returns newest first; emission order must match arrival order.
	items := make([]ingest.Item, 0, len(out.Messages))
	for i := len(out.Messages) - 1; i >= 0; i-- {
		msg := out.Messages[i]
		if msg.TS > cur.LastTS {
			cur.LastTS = msg.TS
		}
		if item, ok := norm.Normalize(rawFromMessage(msg, channel)); ok {
			items = append(items, *item)
		}
	}

	newState, err := json.Marshal(cur)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode channel cursor")
	}
	return &ingest.PollResult{Items: items, State: newState}, nil
}

// PollReplies implements ingest.ThreadPoller: one conversations.replies
// call per known thread root.
func (a *Adapter) PollReplies(ctx context.Context, src *ingest.Source, threads []string, secrets ingest.SecretFn) ([]ingest.Item, error) {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return nil, err
	}
	channel, _ := src.SettingString("channel_id")
	norm := newNormalizer(src)

	var items []ingest.Item
	for _, threadTS := range threads {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var out historyResponse
		resp, err := client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"channel": channel,
				"ts":      threadTS,
				"limit":   strconv.Itoa(historyPageSize),
			}).
			SetResult(&out).
			Get("/conversations.replies")
		if err != nil {
			return nil, errors.Wrapf(err, "replies request failed for thread %s", threadTS)
		}
		if err := apiError(resp, out.OK, out.Error); err != nil {
			return nil, err
		}

		for _, msg := range out.Messages {
			if msg.TS == threadTS {
				// The root itself is returned first; it was already ingested.
				continue
			}
			if item, ok := norm.Normalize(rawFromMessage(msg, channel)); ok {
				items = append(items, *item)
			}
		}
	}
	return items, nil
}

// Send implements ingest.Sender via chat.postMessage.
func (a *Adapter) Send(ctx context.Context, src *ingest.Source, target, message string, secrets ingest.SecretFn) error {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return err
	}
	if target == "" {
		target, _ = src.SettingString("channel_id")
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	var out apiResponse
	resp, err := client.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"channel": target,
			"text":    message,
		}).
		SetResult(&out).
		Post("/chat.postMessage")
	if err != nil {
		return errors.Wrap(err, "post message failed")
	}
	return apiError(resp, out.OK, out.Error)
}

// Test implements ingest.Adapter: auth.test verifies the token, then one
// bounded history read verifies channel access.
func (a *Adapter) Test(ctx context.Context, src *ingest.Source, secrets ingest.SecretFn) (*ingest.TestResult, error) {
	client, err := a.restClient(src, secrets)
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var auth authTestResponse
	resp, err := client.R().SetContext(ctx).SetResult(&auth).Post("/auth.test")
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}
	if err := apiError(resp, auth.OK, auth.Error); err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	channel, _ := src.SettingString("channel_id")
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var out historyResponse
	resp, err = client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"channel": channel, "limit": "3"}).
		SetResult(&out).
		Get("/conversations.history")
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}
	if err := apiError(resp, out.OK, out.Error); err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	norm := newNormalizer(src)
	var sample []ingest.Item
	for _, msg := range out.Messages {
		if item, ok := norm.Normalize(rawFromMessage(msg, channel)); ok {
			sample = append(sample, *item)
		}
	}
	return &ingest.TestResult{
		OK:      true,
		Message: "authenticated as " + auth.User + ", channel reachable",
		Sample:  sample,
	}, nil
}

// restClient builds a resty client authorized with the source's bot token.
// Tokens are resolved per call, never cached on the adapter.
func (a *Adapter) restClient(src *ingest.Source, secrets ingest.SecretFn) (*resty.Client, error) {
	secretName, _ := src.SettingString("token_secret")
	token, err := secrets(secretName)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrSecretMissing, "secret %s: %v", secretName, err)
	}
	return resty.New().
		SetBaseURL(a.apiBase).
		SetAuthToken(token).
		SetTimeout(30 * time.Second), nil
}

func newNormalizer(src *ingest.Source) *ingest.Normalizer {
	self, _ := src.SettingString("bot_user_id")
	return ingest.NewNormalizer(adapterType, self, src.SurfaceUndecryptable)
}

// rawFromMessage maps one Slack message onto the shared normalization
// input. The native id is "{channel}-{ts}"; ts alone is only unique per
// channel.
func rawFromMessage(msg message, channel string) ingest.RawMessage {
	var attachments []ingest.Attachment
	for _, f := range msg.Files {
		if f.URLPrivate == "" {
			continue
		}
		attachments = append(attachments, ingest.Attachment{
			URL: f.URLPrivate, Type: f.Mimetype, Filename: f.Name,
		})
	}

	replyTo := ""
	threadID := ""
	if msg.ThreadTS != "" {
		threadID = msg.ThreadTS
		if msg.ThreadTS != msg.TS {
			replyTo = channel + "-" + msg.ThreadTS
		}
	}

	return ingest.RawMessage{
		NativeID:        channel + "-" + msg.TS,
		Body:            msg.Text,
		Author:          msg.User,
		SenderID:        msg.User,
		ChannelID:       channel,
		ThreadID:        threadID,
		ReplyToNativeID: replyTo,
		Timestamp:       tsToTime(msg.TS),
		Attachments:     attachments,
		Fields: map[string]any{
			"channel": channel,
			"user":    msg.User,
		},
	}
}

// apiError translates Slack's {ok:false, error:"..."} envelope into the
// shared error taxonomy.
func apiError(resp *resty.Response, ok bool, apiErr string) error {
	if resp != nil && resp.StatusCode() == 429 {
		return errors.Newf("rate limited, retry after %s", resp.Header().Get("Retry-After"))
	}
	if ok {
		return nil
	}
	switch apiErr {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return errors.Wrapf(errors.ErrAuthFailed, "api error %s", apiErr)
	case "missing_scope", "not_in_channel", "access_denied":
		return errors.Wrapf(errors.ErrScopeDenied, "api error %s", apiErr)
	case "channel_not_found", "thread_not_found":
		return errors.Wrapf(errors.ErrNotFound, "api error %s", apiErr)
	case "":
		if resp != nil && resp.StatusCode() != 200 {
			return errors.Newf("unexpected status %d", resp.StatusCode())
		}
		return errors.New("api reported failure without an error code")
	default:
		return errors.Newf("api error %s", apiErr)
	}
}

// tsToTime converts a Slack "seconds.micros" timestamp.
func tsToTime(ts string) time.Time {
	secStr, microStr, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micro int64
	if microStr != "" {
		micro, _ = strconv.ParseInt(microStr, 10, 64)
	}
	return time.Unix(sec, micro*1000).UTC()
}
