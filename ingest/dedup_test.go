package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerRemembersHandledIDs(t *testing.T) {
	ledger := NewLedger(100)

	for _, id := range []string{"a", "b", "c"} {
		assert.False(t, ledger.Seen(id))
		ledger.Add(id)
	}

	// Overlapping batch, as an adapter over-delivering near a cursor
	// boundary would produce.
	assert.True(t, ledger.Seen("b"))
	assert.True(t, ledger.Seen("c"))
	assert.False(t, ledger.Seen("d"))
}

func TestLedgerUnrecordedIDStaysRetryable(t *testing.T) {
	ledger := NewLedger(100)

	// An id inspected but never recorded (its handling failed) must not
	// count as seen when the adapter re-delivers it.
	assert.False(t, ledger.Seen("a"))
	assert.False(t, ledger.Seen("a"))

	ledger.Add("a")
	assert.True(t, ledger.Seen("a"))
}

func TestLedgerEvictsOldestFirst(t *testing.T) {
	ledger := NewLedger(3)
	for _, id := range []string{"a", "b", "c"} {
		ledger.Add(id)
	}
	ledger.Add("d") // evicts "a"

	assert.False(t, ledger.Seen("a"))
	assert.True(t, ledger.Seen("b"))
	assert.True(t, ledger.Seen("d"))
	assert.Equal(t, 3, ledger.Len())

	// Evicted id is re-admitted: the bound trades perfect dedup for
	// bounded memory.
	ledger.Add("a")
	assert.True(t, ledger.Seen("a"))
}

func TestLedgerSeenDoesNotPerturbEviction(t *testing.T) {
	ledger := NewLedger(3)
	for _, id := range []string{"a", "b", "c"} {
		ledger.Add(id)
	}

	// Inspecting "a" must not refresh it; it is still the oldest entry.
	assert.True(t, ledger.Seen("a"))
	ledger.Add("d")

	assert.False(t, ledger.Seen("a"))
	assert.True(t, ledger.Seen("b"))
}

func TestLedgerHighVolumeStaysBounded(t *testing.T) {
	ledger := NewLedger(64)
	for i := 0; i < 10_000; i++ {
		ledger.Add(fmt.Sprintf("id-%d", i))
	}
	assert.Equal(t, 64, ledger.Len())
}

func TestLedgerDefaultSize(t *testing.T) {
	ledger := NewLedger(0)
	assert.NotNil(t, ledger)
	assert.Equal(t, 0, ledger.Len())
}
