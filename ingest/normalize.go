package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxTitleLen is the title truncation bound, in runes.
const maxTitleLen = 200

// undecryptableTitle is the fixed placeholder for payloads the adapter
// could not decrypt.
const undecryptableTitle = "[encrypted message]"

var htmlStripper = bluemonday.StrictPolicy()

// RawMessage is the adapter-side input to normalization: the protocol
// fields shared by chat events, mailbox envelopes, and feed entries.
// Adapter-specific fields go in Fields/Metadata.
type RawMessage struct {
	// NativeID is the protocol-native event/message id, unique within
	// the channel or mailbox.
	NativeID string

	Body      string
	Author    string
	SenderID  string
	ChannelID string
	ThreadID  string

	// ReplyToNativeID is the native id of the message this one replies
	// to, if any.
	ReplyToNativeID string

	Timestamp   time.Time
	Attachments []Attachment
	Fields      map[string]any
	Metadata    map[string]string

	// Undecryptable marks payloads that arrived encrypted and could not
	// be decrypted.
	Undecryptable bool
}

// Normalizer converts protocol-native messages into canonical Items for
// one source. Created per poll call or per realtime session; cheap.
type Normalizer struct {
	adapterType string

	// selfIdentity is the integration's own sender id. Messages it
	// authored are dropped before normalization to prevent self-feedback
	// loops.
	selfIdentity string

	// surfaceUndecryptable emits opaque placeholder items for payloads
	// that could not be decrypted instead of skipping them.
	surfaceUndecryptable bool
}

// NewNormalizer creates a normalizer for one adapter type and source.
func NewNormalizer(adapterType, selfIdentity string, surfaceUndecryptable bool) *Normalizer {
	return &Normalizer{
		adapterType:          adapterType,
		selfIdentity:         selfIdentity,
		surfaceUndecryptable: surfaceUndecryptable,
	}
}

// Normalize converts one native message. Returns (nil, false) when the
// message must not be emitted: authored by the integration itself, or
// undecryptable without the source opting in.
func (n *Normalizer) Normalize(raw RawMessage) (*Item, bool) {
	if n.selfIdentity != "" && raw.SenderID == n.selfIdentity {
		return nil, false
	}

	item := &Item{
		ID:          NamespacedID(n.adapterType, raw.NativeID),
		Author:      raw.Author,
		Timestamp:   raw.Timestamp,
		Attachments: raw.Attachments,
		Fields:      raw.Fields,
		Origin: Origin{
			AdapterType: n.adapterType,
			ChannelID:   raw.ChannelID,
			SenderID:    raw.SenderID,
			ThreadID:    raw.ThreadID,
			Metadata:    raw.Metadata,
		},
	}
	if item.Fields == nil {
		item.Fields = make(map[string]any)
	}

	if raw.ReplyToNativeID != "" {
		item.ReplyTo = NamespacedID(n.adapterType, raw.ReplyToNativeID)
	}

	if raw.Undecryptable {
		if !n.surfaceUndecryptable {
			return nil, false
		}
		item.Title = undecryptableTitle
		item.Hash = nil
		item.Fields["encrypted"] = true
		return item, true
	}

	item.Title = TitleFromBody(raw.Body)
	item.Description = raw.Body
	hash := ContentHash(raw.Body)
	item.Hash = &hash

	return item, true
}

// NamespacedID builds the adapter-namespaced item id. Namespacing by
// adapter type guarantees cross-source uniqueness of ids that are only
// unique within their protocol.
func NamespacedID(adapterType, nativeID string) string {
	return fmt.Sprintf("%s-%s", adapterType, nativeID)
}

// TitleFromBody derives an item title: the first line of body text,
// truncated to 200 runes with an ellipsis marker when cut.
func TitleFromBody(body string) string {
	line := body
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)

	if utf8.RuneCountInString(line) <= maxTitleLen {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxTitleLen-1]) + "…"
}

// ContentHash fingerprints message content for duplicate detection across
// edits and re-deliveries.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// StripHTML reduces an HTML payload (feed entries, HTML email bodies) to
// plain text before it becomes a title or description.
func StripHTML(html string) string {
	return strings.TrimSpace(htmlStripper.Sanitize(html))
}
