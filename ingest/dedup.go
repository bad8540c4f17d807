package ingest

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Ledger is the per-source record of item ids already emitted. It bounds
// duplicate emission across repeated polls and reconnects: adapter
// cursors prevent most re-delivery, but adapters legitimately over-deliver
// near a cursor boundary, and downstream task creation must stay
// idempotent per item id.
//
// The bound is count-based. Entries are only ever inserted, never looked
// up through the cache's recency path, so LRU eviction degenerates to
// oldest-inserted-first — exactly the eviction the ledger wants.
type Ledger struct {
	seen *lru.Cache[string, struct{}]
}

// DefaultLedgerSize is the per-source bound on retained ids. Observable
// only under sustained high-volume sources; sized so a burst of several
// polls' worth of overlap still dedups correctly.
const DefaultLedgerSize = 4096

// NewLedger creates a ledger retaining at most max ids. max <= 0 uses
// DefaultLedgerSize.
func NewLedger(max int) *Ledger {
	if max <= 0 {
		max = DefaultLedgerSize
	}
	cache, err := lru.New[string, struct{}](max)
	if err != nil {
		// lru.New only errors on non-positive size, excluded above.
		panic(err)
	}
	return &Ledger{seen: cache}
}

// Seen reports whether an id has been handled and is still retained.
// Uses Peek so inspection does not perturb eviction order.
func (l *Ledger) Seen(id string) bool {
	_, ok := l.seen.Peek(id)
	return ok
}

// Add records an id as handled. Record only after the item has actually
// been handled downstream: an id recorded before a failed materialization
// would dedup away the re-delivered item and lose it for good.
func (l *Ledger) Add(id string) {
	l.seen.Add(id, struct{}{})
}

// Len returns the number of retained ids.
func (l *Ledger) Len() int {
	return l.seen.Len()
}
