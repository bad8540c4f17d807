// Package imapmail implements the IMAP mailbox ingestion adapter.
//
// Each poll is one bounded IMAP session: dial, login, select, UID-fetch
// everything above the cursor, logout. The cursor is {uidvalidity,
// last_uid}; a UIDVALIDITY change invalidates stored UIDs, so the cursor
// resets to the mailbox's current end rather than replaying the whole
// mailbox.
package imapmail

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
)

const adapterType = "imap"

// maxFetchPerPoll bounds one poll's batch; the cursor only advances past
// what was processed, so the remainder arrives on subsequent ticks.
const maxFetchPerPoll = 200

// maxBodyBytes bounds how much of a message body is read.
const maxBodyBytes = 1 << 20

// cursor is the adapter state blob.
type cursor struct {
	UIDValidity uint32 `json:"uid_validity"`
	LastUID     uint32 `json:"last_uid"`
}

// Adapter is the IMAP ingestion adapter.
type Adapter struct {
	dialTimeout time.Duration
}

// New creates the IMAP adapter.
func New(dialTimeout time.Duration) *Adapter {
	return &Adapter{dialTimeout: dialTimeout}
}

// Metadata implements ingest.Adapter.
func (a *Adapter) Metadata() ingest.Metadata {
	return ingest.Metadata{
		Type:        adapterType,
		Name:        "IMAP Mailbox",
		Description: "Polls an IMAP folder and ingests new messages.",
		Version:     "1.0.0",
		ConfigFields: []ingest.ConfigField{
			{Name: "host", Type: "string", Description: "Server address as host:port", Required: true},
			{Name: "username", Type: "string", Description: "Login username", Required: true},
			{Name: "password_secret", Type: "string", Description: "Secret name holding the password", Required: true, Secret: true},
			{Name: "mailbox", Type: "string", Description: "Folder to monitor", Default: "INBOX"},
			{Name: "insecure_tls", Type: "bool", Description: "Skip TLS certificate verification"},
			{Name: "from_start", Type: "bool", Description: "Ingest the existing mailbox contents on first poll"},
		},
		ItemFields: []ingest.ItemField{
			{Name: "from", Type: "string", Description: "Sender address"},
			{Name: "subject", Type: "string", Description: "Message subject"},
			{Name: "mailbox", Type: "string", Description: "Source folder"},
		},
		Capabilities: ingest.Capabilities{},
	}
}

// Validate implements ingest.Adapter.
func (a *Adapter) Validate(src *ingest.Source) error {
	host, ok := src.SettingString("host")
	if !ok || host == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: host is required", src.ID)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: host must be host:port", src.ID)
	}
	if user, ok := src.SettingString("username"); !ok || user == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: username is required", src.ID)
	}
	if name, ok := src.SettingString("password_secret"); !ok || name == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: password_secret is required", src.ID)
	}
	return nil
}

// Poll implements ingest.Adapter.
func (a *Adapter) Poll(ctx context.Context, src *ingest.Source, state []byte, secrets ingest.SecretFn) (*ingest.PollResult, error) {
	var cur cursor
	if len(state) > 0 {
		if err := json.Unmarshal(state, &cur); err != nil {
			return nil, errors.Wrap(err, "failed to decode mailbox cursor")
		}
	}

	c, mbox, err := a.open(ctx, src, secrets)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	log := logger.WithSource(logger.Logger, src.ID)

	if cur.UIDValidity != 0 && cur.UIDValidity != mbox.UidValidity {
		// Stored UIDs are meaningless under a new UIDVALIDITY. Restart
		// from the current end instead of replaying the mailbox.
		log.Warnw("Mailbox UIDVALIDITY changed, resetting cursor",
			"old", cur.UIDValidity, "new", mbox.UidValidity)
		cur = cursor{}
	}
	if cur.UIDValidity == 0 {
		cur.UIDValidity = mbox.UidValidity
		if !src.SettingBool("from_start") {
			// Baseline at the current end: only mail arriving after the
			// source was configured is ingested.
			if mbox.UidNext > 0 {
				cur.LastUID = mbox.UidNext - 1
			}
			newState, err := json.Marshal(cur)
			if err != nil {
				return nil, errors.Wrap(err, "failed to encode mailbox cursor")
			}
			return &ingest.PollResult{State: newState}, nil
		}
	}

	items, lastUID, err := a.fetchAbove(src, c, cur.LastUID)
	if err != nil {
		return nil, err
	}
	if lastUID > cur.LastUID {
		cur.LastUID = lastUID
	}

	newState, err := json.Marshal(cur)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode mailbox cursor")
	}
	return &ingest.PollResult{Items: items, State: newState}, nil
}

// Test implements ingest.Adapter.
func (a *Adapter) Test(ctx context.Context, src *ingest.Source, secrets ingest.SecretFn) (*ingest.TestResult, error) {
	c, mbox, err := a.open(ctx, src, secrets)
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}
	defer c.Logout()

	return &ingest.TestResult{
		OK:      true,
		Message: fmt.Sprintf("mailbox %s reachable, %d messages", mbox.Name, mbox.Messages),
	}, nil
}

// open dials, authenticates, and selects the configured mailbox read-only.
func (a *Adapter) open(ctx context.Context, src *ingest.Source, secrets ingest.SecretFn) (*client.Client, *imap.MailboxStatus, error) {
	host, _ := src.SettingString("host")
	user, _ := src.SettingString("username")
	secretName, _ := src.SettingString("password_secret")

	password, err := secrets(secretName)
	if err != nil {
		return nil, nil, errors.Wrapf(errors.ErrSecretMissing, "secret %s: %v", secretName, err)
	}

	insecure := src.SettingBool("insecure_tls")
	dialer := &net.Dialer{Timeout: a.dialTimeout}
	c, err := client.DialWithDialerTLS(dialer, host, &tls.Config{
		ServerName:         hostOnly(host),
		InsecureSkipVerify: insecure,
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to connect to %s", host)
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.Timeout = time.Until(deadline)
	}

	if err := c.Login(user, password); err != nil {
		c.Logout()
		return nil, nil, errors.Wrapf(errors.ErrAuthFailed, "login rejected for %s: %v", user, err)
	}

	mailbox, _ := src.SettingString("mailbox")
	if mailbox == "" {
		mailbox = "INBOX"
	}
	mbox, err := c.Select(mailbox, true)
	if err != nil {
		c.Logout()
		return nil, nil, errors.Wrapf(errors.ErrNotFound, "mailbox %s: %v", mailbox, err)
	}
	return c, mbox, nil
}

// fetchAbove UID-fetches messages above lastUID and normalizes up to
// maxFetchPerPoll of them. Returns the highest UID actually processed.
func (a *Adapter) fetchAbove(src *ingest.Source, c *client.Client, lastUID uint32) ([]ingest.Item, uint32, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(lastUID+1, 0)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
	fetchItems := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, fetchItems, messages)
	}()

	mailbox, _ := src.SettingString("mailbox")
	if mailbox == "" {
		mailbox = "INBOX"
	}
	norm := ingest.NewNormalizer(adapterType, "", src.SurfaceUndecryptable)

	var items []ingest.Item
	var highest uint32
	for msg := range messages {
		if msg == nil || msg.Uid <= lastUID || len(items) >= maxFetchPerPoll {
			// UidFetch on an empty range can echo the last existing
			// message; anything at or below the cursor is already seen.
			continue
		}
		raw := rawFromMessage(msg, section, mailbox)
		if item, ok := norm.Normalize(raw); ok {
			items = append(items, *item)
		}
		if msg.Uid > highest {
			highest = msg.Uid
		}
	}
	if err := <-done; err != nil {
		return nil, 0, errors.Wrap(err, "uid fetch failed")
	}
	return items, highest, nil
}

// rawFromMessage maps an IMAP envelope + text section onto the shared
// normalization input. Message-Id is the native id so that In-Reply-To
// threading resolves by plain id lookup downstream.
func rawFromMessage(msg *imap.Message, section *imap.BodySectionName, mailbox string) ingest.RawMessage {
	env := msg.Envelope

	nativeID := fmt.Sprintf("uid%d", msg.Uid)
	subject, from, fromAddr := "", "", ""
	ts := time.Time{}
	replyTo := ""
	if env != nil {
		if env.MessageId != "" {
			nativeID = env.MessageId
		}
		subject = env.Subject
		ts = env.Date
		if len(env.From) > 0 && env.From[0] != nil {
			from = env.From[0].PersonalName
			fromAddr = env.From[0].Address()
			if from == "" {
				from = fromAddr
			}
		}
		if len(env.InReplyTo) > 0 {
			replyTo = strings.TrimSpace(env.InReplyTo)
		}
	}

	body := subject
	if r := msg.GetBody(section); r != nil {
		text, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
		if err == nil && len(text) > 0 {
			plain := string(text)
			if strings.Contains(plain, "<") {
				plain = ingest.StripHTML(plain)
			}
			body = subject + "\n" + strings.TrimSpace(plain)
		}
	}

	return ingest.RawMessage{
		NativeID:        nativeID,
		Body:            body,
		Author:          from,
		SenderID:        fromAddr,
		ChannelID:       mailbox,
		ReplyToNativeID: replyTo,
		Timestamp:       ts,
		Fields: map[string]any{
			"from":    fromAddr,
			"subject": subject,
			"mailbox": mailbox,
		},
	}
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
