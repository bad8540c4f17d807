// Package script implements the custom-script ingestion adapter: any
// executable that speaks a small JSON protocol can act as a source.
//
// Protocol: the previous cursor blob is written to the script's stdin
// (empty on first run); the script writes a single JSON document
// {"items": [...], "state": <any json>} to stdout and exits zero. The
// state value is persisted verbatim and piped back on the next run.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/logger"
)

const adapterType = "script"

// maxOutputSize bounds captured stdout/stderr per run.
const maxOutputSize = 8 << 20

// scriptItem is one entry of the script's "items" array.
type scriptItem struct {
	ID          string         `json:"id"`
	Body        string         `json:"body"`
	Author      string         `json:"author"`
	Timestamp   time.Time      `json:"timestamp"`
	ReplyTo     string         `json:"reply_to"`
	Fields      map[string]any `json:"fields"`
	Attachments []struct {
		URL      string `json:"url"`
		Type     string `json:"type"`
		Filename string `json:"filename"`
	} `json:"attachments"`
}

// scriptOutput is the document a script must print to stdout.
type scriptOutput struct {
	Items []scriptItem    `json:"items"`
	State json.RawMessage `json:"state"`
}

// Adapter is the script ingestion adapter.
type Adapter struct{}

// New creates the script adapter.
func New() *Adapter {
	return &Adapter{}
}

// Metadata implements ingest.Adapter.
func (a *Adapter) Metadata() ingest.Metadata {
	return ingest.Metadata{
		Type:        adapterType,
		Name:        "Custom Script",
		Description: "Runs an external command and ingests the JSON items it prints.",
		Version:     "1.0.0",
		ConfigFields: []ingest.ConfigField{
			{Name: "command", Type: "string", Description: "Command line to execute", Required: true},
			{Name: "timeout_seconds", Type: "number", Description: "Per-run timeout (default 60)"},
		},
		ItemFields: []ingest.ItemField{
			{Name: "run_id", Type: "string", Description: "Unique id of the producing run"},
		},
		Capabilities: ingest.Capabilities{},
	}
}

// Validate implements ingest.Adapter. Only checks the command line parses;
// existence of the binary is a runtime concern surfaced by Test.
func (a *Adapter) Validate(src *ingest.Source) error {
	raw, ok := src.SettingString("command")
	if !ok || raw == "" {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: command is required", src.ID)
	}
	argv, err := shellquote.Split(raw)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: unparseable command: %v", src.ID, err)
	}
	if len(argv) == 0 {
		return errors.Wrapf(errors.ErrInvalidConfig, "source %s: empty command", src.ID)
	}
	return nil
}

// Poll implements ingest.Adapter.
func (a *Adapter) Poll(ctx context.Context, src *ingest.Source, state []byte, _ ingest.SecretFn) (*ingest.PollResult, error) {
	out, runID, err := a.run(ctx, src, state)
	if err != nil {
		return nil, err
	}

	norm := ingest.NewNormalizer(adapterType, "", src.SurfaceUndecryptable)
	items := make([]ingest.Item, 0, len(out.Items))
	for _, si := range out.Items {
		if si.ID == "" {
			logger.WithSource(logger.Logger, src.ID).Warnw("Skipping script item without id")
			continue
		}
		if item, ok := norm.Normalize(rawFromScript(si, runID)); ok {
			items = append(items, *item)
		}
	}

	return &ingest.PollResult{Items: items, State: []byte(out.State)}, nil
}

// Test implements ingest.Adapter. Runs the command once against the empty
// cursor and reports what came back.
func (a *Adapter) Test(ctx context.Context, src *ingest.Source, _ ingest.SecretFn) (*ingest.TestResult, error) {
	out, runID, err := a.run(ctx, src, nil)
	if err != nil {
		return &ingest.TestResult{OK: false, Message: err.Error()}, nil
	}

	norm := ingest.NewNormalizer(adapterType, "", false)
	var sample []ingest.Item
	for _, si := range out.Items {
		if len(sample) >= 3 {
			break
		}
		if item, ok := norm.Normalize(rawFromScript(si, runID)); ok {
			sample = append(sample, *item)
		}
	}

	return &ingest.TestResult{
		OK:      true,
		Message: "script ran successfully",
		Sample:  sample,
	}, nil
}

// run executes the configured command once with state on stdin and decodes
// the JSON document it prints. Returns the run id stamped onto the items.
func (a *Adapter) run(ctx context.Context, src *ingest.Source, state []byte) (*scriptOutput, string, error) {
	raw, _ := src.SettingString("command")
	argv, err := shellquote.Split(raw)
	if err != nil || len(argv) == 0 {
		return nil, "", errors.Wrapf(errors.ErrInvalidConfig, "source %s: unparseable command", src.ID)
	}

	timeout := 60 * time.Second
	if secs, ok := src.Settings["timeout_seconds"]; ok {
		switch v := secs.(type) {
		case int:
			timeout = time.Duration(v) * time.Second
		case float64:
			timeout = time.Duration(v) * time.Second
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runID := uuid.NewString()
	log := logger.WithSource(logger.Logger, src.ID)
	log.Debugw("Running ingestion script", "run_id", runID, "command", argv[0])

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(state)
	cmd.Env = append(cmd.Environ(),
		"INTAKE_RUN_ID="+runID,
		"INTAKE_SOURCE_ID="+src.ID,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderr, n: maxOutputSize}

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, "", errors.Newf("script timed out after %s (run %s)", timeout, runID)
		}
		return nil, "", errors.Wrapf(err, "script failed (run %s): %s", runID, firstLine(stderr.String()))
	}

	var out scriptOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, "", errors.Wrapf(err, "script produced invalid JSON (run %s)", runID)
	}
	return &out, runID, nil
}

func rawFromScript(si scriptItem, runID string) ingest.RawMessage {
	var attachments []ingest.Attachment
	for _, att := range si.Attachments {
		if att.URL == "" {
			continue
		}
		attachments = append(attachments, ingest.Attachment{
			URL: att.URL, Type: att.Type, Filename: att.Filename,
		})
	}

	fields := si.Fields
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["run_id"] = runID

	return ingest.RawMessage{
		NativeID:        si.ID,
		Body:            si.Body,
		Author:          si.Author,
		Timestamp:       si.Timestamp,
		ReplyToNativeID: si.ReplyTo,
		Attachments:     attachments,
		Fields:          fields,
	}
}

func firstLine(s string) string {
	if idx := bytes.IndexByte([]byte(s), '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// limitedWriter discards bytes past n instead of failing the command.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if remaining := l.n - l.w.Len(); remaining > 0 {
		if len(p) > remaining {
			l.w.Write(p[:remaining])
		} else {
			l.w.Write(p)
		}
	}
	return len(p), nil
}
