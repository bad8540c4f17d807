package ingest

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/intake/errors"
)

// ConnectionMode selects which concurrency domain drives a source: the
// poll invoker or the realtime session manager. A source is in exactly
// one domain at a time.
type ConnectionMode string

const (
	ModePoll     ConnectionMode = "poll"
	ModeRealtime ConnectionMode = "realtime"
)

// Source is one configured instance of an adapter type. Sources are
// created and edited by the external configuration surface; the engine
// consumes them read-only. The only engine-owned companion state is the
// adapter cursor blob in the state store.
type Source struct {
	ID                   string            `yaml:"id" json:"id"`
	Type                 string            `yaml:"type" json:"type"`
	Enabled              bool              `yaml:"enabled" json:"enabled"`
	ConnectionMode       ConnectionMode    `yaml:"connection_mode" json:"connection_mode"`
	PollIntervalSeconds  int               `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	TaskDefaults         TaskDefaults      `yaml:"task_defaults" json:"task_defaults"`
	Filter               []FilterCondition `yaml:"filter,omitempty" json:"filter,omitempty"`

	// SurfaceUndecryptable opts this source into emitting opaque
	// placeholder items for payloads that cannot be decrypted. Off by
	// default: such payloads are silently skipped.
	SurfaceUndecryptable bool `yaml:"surface_undecryptable" json:"surface_undecryptable"`

	// Settings holds the adapter-type-specific fields, validated against
	// the adapter's declared config fields.
	Settings map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// PollInterval returns the source's poll cadence, falling back to def
// when unset.
func (s *Source) PollInterval(def time.Duration) time.Duration {
	if s.PollIntervalSeconds <= 0 {
		return def
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// SettingString returns a string-typed adapter setting, with ok=false
// when absent or not a string.
func (s *Source) SettingString(key string) (string, bool) {
	v, ok := s.Settings[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// SettingBool returns a bool-typed adapter setting, defaulting to false.
func (s *Source) SettingBool(key string) bool {
	v, ok := s.Settings[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// sourcesFile is the on-disk shape of the sources definition file.
type sourcesFile struct {
	Sources []*Source `yaml:"sources"`
}

// LoadSources reads the YAML source definitions at path. Structural
// problems (duplicate ids, missing id/type) are errors; per-adapter
// validation happens later against the registry so that one unknown
// adapter type does not block unrelated sources.
func LoadSources(path string) ([]*Source, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sources file %s", path)
	}

	var file sourcesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse sources file %s", path)
	}

	seen := make(map[string]bool, len(file.Sources))
	for _, src := range file.Sources {
		if src.ID == "" {
			return nil, errors.Wrap(errors.ErrInvalidConfig, "source missing id")
		}
		if src.Type == "" {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "source %s missing type", src.ID)
		}
		if seen[src.ID] {
			return nil, errors.Wrapf(errors.ErrInvalidConfig, "duplicate source id %s", src.ID)
		}
		seen[src.ID] = true

		switch src.ConnectionMode {
		case "":
			src.ConnectionMode = ModePoll
		case ModePoll, ModeRealtime:
		default:
			return nil, errors.Wrapf(errors.ErrInvalidConfig,
				"source %s has unknown connection_mode %q", src.ID, src.ConnectionMode)
		}
	}

	return file.Sources, nil
}
