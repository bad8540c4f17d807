package script

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
)

func scriptSource(command string) *ingest.Source {
	return &ingest.Source{
		ID: "cron", Type: "script", Enabled: true,
		Settings: map[string]any{"command": command},
	}
}

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestValidate(t *testing.T) {
	a := New()

	assert.NoError(t, a.Validate(scriptSource("/usr/local/bin/fetch --json")))

	err := a.Validate(&ingest.Source{ID: "x"})
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))

	// Unbalanced quote cannot be split.
	err = a.Validate(scriptSource(`fetch "unterminated`))
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestPollRoundTrip(t *testing.T) {
	requireSh(t)
	a := New()

	// The script proves it received the previous cursor on stdin by
	// echoing it back inside the new state.
	src := scriptSource(`sh -c 'prev=$(cat); printf %s "{\"items\":[{\"id\":\"42\",\"body\":\"Deploy failed\\nsee logs\",\"author\":\"cron\",\"fields\":{\"host\":\"web-1\"}}],\"state\":{\"prev\":\"$prev\"}}"'`)

	res, err := a.Poll(context.Background(), src, []byte("c0"), nil)
	require.NoError(t, err)

	require.Len(t, res.Items, 1)
	item := res.Items[0]
	assert.Equal(t, "script-42", item.ID)
	assert.Equal(t, "Deploy failed", item.Title)
	assert.Equal(t, "cron", item.Author)
	assert.Equal(t, "web-1", item.Fields["host"])
	assert.Equal(t, "script", item.Origin.AdapterType)
	assert.NotEmpty(t, item.Fields["run_id"])

	assert.JSONEq(t, `{"prev":"c0"}`, string(res.State))
}

func TestPollSkipsItemsWithoutID(t *testing.T) {
	requireSh(t)
	a := New()

	src := scriptSource(`sh -c 'echo "{\"items\":[{\"body\":\"no id\"},{\"id\":\"1\",\"body\":\"ok\"}],\"state\":null}"'`)
	res, err := a.Poll(context.Background(), src, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "script-1", res.Items[0].ID)
	// Items without their own fields map still carry the run id.
	assert.NotEmpty(t, res.Items[0].Fields["run_id"])
}

func TestPollReportsScriptFailure(t *testing.T) {
	requireSh(t)
	a := New()

	src := scriptSource(`sh -c 'echo "token expired" >&2; exit 3'`)
	_, err := a.Poll(context.Background(), src, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")

	// Cursor is untouched on failure by contract: the caller simply never
	// receives a new state to commit.
}

func TestPollRejectsMalformedOutput(t *testing.T) {
	requireSh(t)
	a := New()

	src := scriptSource(`sh -c 'echo not-json'`)
	_, err := a.Poll(context.Background(), src, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestPollTimeout(t *testing.T) {
	requireSh(t)
	a := New()

	src := scriptSource("sleep 30")
	src.Settings["timeout_seconds"] = 1

	_, err := a.Poll(context.Background(), src, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestTest(t *testing.T) {
	requireSh(t)
	a := New()

	src := scriptSource(`sh -c 'echo "{\"items\":[{\"id\":\"1\",\"body\":\"hello\"}],\"state\":\"s1\"}"'`)
	res, err := a.Test(context.Background(), src, nil)
	require.NoError(t, err)
	assert.True(t, res.OK)
	require.Len(t, res.Sample, 1)
	assert.Equal(t, "script-1", res.Sample[0].ID)

	res, err = a.Test(context.Background(), scriptSource("false"), nil)
	require.NoError(t, err)
	assert.False(t, res.OK)
}
