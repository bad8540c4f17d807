// Package ingest implements the multi-protocol message ingestion engine:
// the adapter contract, item normalization, per-source deduplication,
// poll invocation, realtime session management, filter evaluation, and
// the adapter registry.
//
// Protocol adapters live in adapters/* and are independent plugins; this
// package only knows the contract they implement.
package ingest

import "time"

// Item is the canonical, protocol-agnostic representation of one ingested
// message, post, or email. Adapters produce Items; everything downstream
// of the adapter (dedup, filter, materialization) operates on this shape
// only.
//
// ID is adapter-namespaced ({adapterType}-{nativeID}) and must be stable:
// two observations of the same underlying message produce the same ID.
type Item struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`

	// Hash is a content fingerprint. Nil for payloads that could not be
	// decrypted.
	Hash *string `json:"hash,omitempty"`

	Author      string       `json:"author,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Fields is the flat map of adapter-declared item fields the filter
	// engine evaluates. Values are strings, numbers, or booleans only.
	Fields map[string]any `json:"fields,omitempty"`

	// ReplyTo is the namespaced id of a prior item this one replies to,
	// resolvable downstream by plain id lookup.
	ReplyTo string `json:"reply_to,omitempty"`

	Origin Origin `json:"origin"`
}

// Origin records where an item came from.
type Origin struct {
	AdapterType string            `json:"adapter_type"`
	ChannelID   string            `json:"channel_id,omitempty"`
	SenderID    string            `json:"sender_id,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Attachment is a reference to a media payload. Binary blobs are never
// embedded inline; URL must be resolvable by the consumer.
// Immutable once constructed.
type Attachment struct {
	URL       string `json:"url"`
	Type      string `json:"type"`
	Filename  string `json:"filename,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// TaskDefaults are stamped onto every work item materialized from a
// source.
type TaskDefaults struct {
	Type     string   `json:"type,omitempty" yaml:"type,omitempty"`
	Priority int      `json:"priority,omitempty" yaml:"priority,omitempty"`
	Labels   []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}
