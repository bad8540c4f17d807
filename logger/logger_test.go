package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	require.NoError(t, Initialize(true, false))
	assert.NotNil(t, Logger)

	require.NoError(t, Initialize(false, true))
	assert.NotNil(t, Logger)
}

func TestNopLoggerBeforeInitialize(t *testing.T) {
	// The package-level default must be usable without Initialize.
	assert.NotPanics(t, func() {
		Named("test").Infow("message before init", "key", "value")
	})
}

func TestWithSource(t *testing.T) {
	require.NoError(t, Initialize(true, false))
	log := WithSource(Named("poller"), "slack-eng")
	assert.NotPanics(t, func() {
		log.Debugw("tick")
	})
}
