package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/intake/errors"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry("0.3.0")
	require.NoError(t, r.Register(newFakeAdapter("feed")))

	a, err := r.Get("feed")
	require.NoError(t, err)
	assert.Equal(t, "feed", a.Metadata().Type)

	assert.Equal(t, []string{"feed"}, r.Types())
}

func TestRegistryUnknownTypeIsValidationError(t *testing.T) {
	r := NewRegistry("0.3.0")

	_, err := r.Get("telegraph")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownAdapterType))
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	r := NewRegistry("0.3.0")
	require.NoError(t, r.Register(newFakeAdapter("feed")))
	assert.Error(t, r.Register(newFakeAdapter("feed")))
}

func TestRegistryCapabilityMismatchIsLoadError(t *testing.T) {
	r := NewRegistry("0.3.0")

	// Declares realtime but implements only the required contract.
	liar := newFakeAdapter("liar")
	liar.meta.Capabilities.Realtime = true
	err := r.Register(liar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability mismatch")

	// The failure is surfaced on the discovery record, not hidden.
	infos := r.Infos()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Enabled)
	assert.Contains(t, infos[0].LoadError, "capability mismatch")

	// And the type is not usable.
	_, err = r.Get("liar")
	assert.Error(t, err)
}

func TestRegistryCapabilityUnderdeclarationIsLoadError(t *testing.T) {
	r := NewRegistry("0.3.0")

	// Implements RealtimeAdapter+Sender but declares nothing.
	shy := newFakeRealtimeAdapter("shy")
	shy.meta.Capabilities = Capabilities{}
	assert.Error(t, r.Register(shy))
}

func TestRegistryEngineConstraint(t *testing.T) {
	r := NewRegistry("0.3.0")

	ok := newFakeAdapter("modern")
	ok.meta.EngineConstraint = ">= 0.2"
	assert.NoError(t, r.Register(ok))

	tooNew := newFakeAdapter("future")
	tooNew.meta.EngineConstraint = ">= 9.0"
	err := r.Register(tooNew)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires engine")
}

func TestValidateSource(t *testing.T) {
	r := NewRegistry("0.3.0")
	a := newFakeAdapter("feed")
	a.meta.ConfigFields = []ConfigField{
		{Name: "url", Type: "string", Required: true},
		{Name: "max_items", Type: "number"},
	}
	require.NoError(t, r.Register(a))

	// Missing required field.
	err := r.ValidateSource(&Source{ID: "blog", Type: "feed", Settings: map[string]any{}})
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))

	// Complete config passes.
	assert.NoError(t, r.ValidateSource(&Source{
		ID: "blog", Type: "feed",
		Settings: map[string]any{"url": "https://example.org/feed.xml"},
	}))

	// Realtime mode on a poll-only adapter.
	err = r.ValidateSource(&Source{
		ID: "blog", Type: "feed", ConnectionMode: ModeRealtime,
		Settings: map[string]any{"url": "https://example.org/feed.xml"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support")
}

func TestRegistryInfosSorted(t *testing.T) {
	r := NewRegistry("0.3.0")
	require.NoError(t, r.Register(newFakeAdapter("slack")))
	require.NoError(t, r.Register(newFakeAdapter("feed")))

	infos := r.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, "feed", infos[0].Type)
	assert.Equal(t, "slack", infos[1].Type)
	assert.True(t, infos[0].Enabled)
}
