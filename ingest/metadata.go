package ingest

// Metadata is an adapter type's static declaration, loaded once at
// registry discovery time and immutable afterwards.
type Metadata struct {
	// Type is the adapter type identifier referenced by Source.Type
	// (e.g. "slack", "matrix", "imap", "feed", "script").
	Type string

	// Name is a human-readable display name.
	Name string

	// Description is shown by the configuration surface.
	Description string

	// Version is the adapter version (semver).
	Version string

	// EngineConstraint is an optional semver constraint on the engine
	// version (e.g. ">= 0.3"). Empty means no constraint.
	EngineConstraint string

	// ConfigFields drives the configuration form and Validate().
	ConfigFields []ConfigField

	// ItemFields drives filter-field autocomplete and display.
	ItemFields []ItemField

	Capabilities Capabilities

	// DefaultFilter is applied when a source declares no filter of its
	// own. May be nil.
	DefaultFilter []FilterCondition
}

// Capabilities flags which optional contracts an adapter implements.
// Consistency with the actually-implemented interfaces is checked once at
// registry load, so call sites never need type inspection.
type Capabilities struct {
	Realtime bool `json:"realtime"`
	Send     bool `json:"send"`
	Threads  bool `json:"threads"`
}

// ConfigField describes one adapter-specific source setting.
type ConfigField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean", "array"
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`

	// Secret marks fields whose value is a secret *name* resolved via
	// SecretFn, never an inline credential.
	Secret bool `json:"secret,omitempty"`

	// Pattern is an optional regex the value must match.
	Pattern string `json:"pattern,omitempty"`
}

// ItemField describes one field an adapter sets on Item.Fields.
type ItemField struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string", "number", "boolean"
	Description string `json:"description"`
}

// PluginInfo is the discovery-surface record for one registered adapter
// type, consumed by the external configuration UI.
type PluginInfo struct {
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	ConfigFields []ConfigField     `json:"config_fields"`
	ItemFields   []ItemField       `json:"item_fields"`
	Capabilities Capabilities      `json:"capabilities"`
	Enabled      bool              `json:"enabled"`
	LoadError    string            `json:"load_error,omitempty"`
}
