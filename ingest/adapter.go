package ingest

import (
	"context"
)

// SecretFn resolves a named secret from the external credential store.
// It must return an error when the name is absent; adapters never proceed
// with an empty credential.
type SecretFn func(name string) (string, error)

// PollResult is the outcome of one bounded poll round-trip.
//
// State is the adapter's opaque cursor after this poll. The engine
// persists it verbatim and feeds it back unchanged on the next call;
// it is never merged or interpreted.
type PollResult struct {
	Items []Item
	State []byte
}

// TestResult is the outcome of a connectivity/credential test. Message is
// operator-facing and, on failure, distinguishes authentication failure,
// missing scope, and resource-not-found — each needs a different fix.
type TestResult struct {
	OK      bool
	Message string
	Sample  []Item
}

// Adapter is the required contract every protocol integration implements.
//
// Poll must be idempotent with respect to state: replaying the same state
// with no intervening upstream change returns an empty item list.
type Adapter interface {
	// Metadata returns the adapter's static declaration: config fields,
	// item fields, capabilities, default filter.
	Metadata() Metadata

	// Validate checks a source configuration. Pure and synchronous; no
	// network calls. Wraps errors.ErrInvalidConfig.
	Validate(src *Source) error

	// Poll performs one bounded network round-trip (or mailbox session)
	// and returns zero or more normalized items plus the new cursor.
	Poll(ctx context.Context, src *Source, state []byte, secrets SecretFn) (*PollResult, error)

	// Test makes one real request to verify credentials and reachability.
	Test(ctx context.Context, src *Source, secrets SecretFn) (*TestResult, error)
}

// Callbacks deliver realtime session events back to the engine. OnItem is
// invoked per item, in adapter order, not batched. OnState commits a new
// cursor; reconnects resume from the last committed one. OnDisconnect
// belongs to the session manager, which fires it exactly once after the
// session loop exits; adapters must not invoke it.
type Callbacks struct {
	OnItem       func(item Item)
	OnState      func(state []byte)
	OnError      func(err error)
	OnDisconnect func(reason string)
}

// RealtimeAdapter is the optional persistent-connection contract, gated
// by Capabilities.Realtime.
//
// Connect blocks for the lifetime of the session: it performs the initial
// handshake (establishing a starting cursor so backlog is not replayed),
// then loops on a bounded blocking receive until ctx is cancelled or an
// unrecoverable error occurs. Cancelling ctx must abort any in-flight
// request immediately rather than waiting out a long-poll timeout.
type RealtimeAdapter interface {
	Adapter
	Connect(ctx context.Context, src *Source, state []byte, secrets SecretFn, cb Callbacks) error
}

// Sender is the optional outbound-message contract, gated by
// Capabilities.Send.
type Sender interface {
	Adapter
	Send(ctx context.Context, src *Source, target, message string, secrets SecretFn) error
}

// ThreadPoller is the optional reply-fetch contract, gated by
// Capabilities.Threads. It fetches new replies to a bounded set of
// previously observed thread roots.
type ThreadPoller interface {
	Adapter
	PollReplies(ctx context.Context, src *Source, threads []string, secrets SecretFn) ([]Item, error)
}
