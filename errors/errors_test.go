package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelWrappingPreservesCategory(t *testing.T) {
	err := Wrapf(ErrAuthFailed, "slack returned %d", 401)
	assert.True(t, IsAuthError(err))
	assert.False(t, IsScopeError(err))
	assert.Equal(t, "auth", Category(err))
}

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"config", Wrap(ErrInvalidConfig, "missing url"), "config"},
		{"auth", ErrAuthFailed, "auth"},
		{"scope", Wrap(ErrScopeDenied, "channels:history not granted"), "scope"},
		{"not found", ErrNotFound, "not_found"},
		{"secret", Wrap(ErrSecretMissing, "SLACK_TOKEN"), "secret"},
		{"transient", New("connection reset"), "transient"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.err))
		})
	}
}

func TestIsHelpersNilSafe(t *testing.T) {
	assert.False(t, IsAuthError(nil))
	assert.False(t, IsScopeError(nil))
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConfigError(nil))
}
