package ingest

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/intake/errors"
)

// Registry manages the available adapter types. Built-in adapters
// register at startup; a registration that fails validation is recorded
// as a load error on the plugin's discovery record rather than surfacing
// later as a runtime surprise.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	failed   map[string]failedPlugin
	version  string // engine version
}

type failedPlugin struct {
	meta Metadata
	err  error
}

// NewRegistry creates a registry validating adapters against the given
// engine version.
func NewRegistry(engineVersion string) *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		failed:   make(map[string]failedPlugin),
		version:  engineVersion,
	}
}

// Register validates and registers an adapter. A failed registration is
// retained for the discovery surface (Enabled=false, LoadError set) and
// returned as an error.
func (r *Registry) Register(a Adapter) error {
	meta := a.Metadata()

	r.mu.Lock()
	defer r.mu.Unlock()

	if meta.Type == "" {
		return errors.New("adapter metadata missing type")
	}
	if _, exists := r.adapters[meta.Type]; exists {
		return errors.Newf("adapter type already registered: %s", meta.Type)
	}

	if err := r.validate(a, meta); err != nil {
		r.failed[meta.Type] = failedPlugin{meta: meta, err: err}
		return errors.Wrapf(err, "adapter %s rejected", meta.Type)
	}

	r.adapters[meta.Type] = a
	return nil
}

// validate checks version compatibility and that declared capabilities
// match the optional interfaces the adapter actually implements.
func (r *Registry) validate(a Adapter, meta Metadata) error {
	if meta.EngineConstraint != "" {
		engineVer, err := semver.NewVersion(r.version)
		if err != nil {
			return errors.Wrapf(err, "invalid engine version %s", r.version)
		}
		constraint, err := semver.NewConstraint(meta.EngineConstraint)
		if err != nil {
			return errors.Wrapf(err, "invalid engine constraint %s", meta.EngineConstraint)
		}
		if !constraint.Check(engineVer) {
			return errors.Newf("adapter requires engine %s, but running %s", meta.EngineConstraint, r.version)
		}
	}

	_, isRealtime := a.(RealtimeAdapter)
	if meta.Capabilities.Realtime != isRealtime {
		return errors.Newf("capability mismatch: realtime declared=%v implemented=%v",
			meta.Capabilities.Realtime, isRealtime)
	}

	_, isSender := a.(Sender)
	if meta.Capabilities.Send != isSender {
		return errors.Newf("capability mismatch: send declared=%v implemented=%v",
			meta.Capabilities.Send, isSender)
	}

	_, isThreadPoller := a.(ThreadPoller)
	if meta.Capabilities.Threads != isThreadPoller {
		return errors.Newf("capability mismatch: threads declared=%v implemented=%v",
			meta.Capabilities.Threads, isThreadPoller)
	}

	return nil
}

// Get returns the adapter for a type name. Unknown names return
// errors.ErrUnknownAdapterType — a user-facing validation error.
func (r *Registry) Get(adapterType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[adapterType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownAdapterType, "%s", adapterType)
	}
	return a, nil
}

// Types returns all successfully registered adapter type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Infos returns discovery records for every known plugin, including ones
// that failed to load.
func (r *Registry) Infos() []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]PluginInfo, 0, len(r.adapters)+len(r.failed))
	for _, a := range r.adapters {
		infos = append(infos, infoFromMetadata(a.Metadata(), true, ""))
	}
	for _, f := range r.failed {
		infos = append(infos, infoFromMetadata(f.meta, false, f.err.Error()))
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// ValidateSource checks a source against its adapter's declared config
// fields plus the adapter's own Validate hook.
func (r *Registry) ValidateSource(src *Source) error {
	a, err := r.Get(src.Type)
	if err != nil {
		return err
	}

	meta := a.Metadata()
	for _, field := range meta.ConfigFields {
		if !field.Required {
			continue
		}
		if _, ok := src.Settings[field.Name]; !ok {
			return errors.Wrapf(errors.ErrInvalidConfig,
				"source %s missing required field %q", src.ID, field.Name)
		}
	}

	if src.ConnectionMode == ModeRealtime && !meta.Capabilities.Realtime {
		return errors.Wrapf(errors.ErrInvalidConfig,
			"source %s requests realtime but adapter %s does not support it", src.ID, src.Type)
	}

	return a.Validate(src)
}

func infoFromMetadata(meta Metadata, enabled bool, loadErr string) PluginInfo {
	return PluginInfo{
		Type:         meta.Type,
		Name:         meta.Name,
		Description:  meta.Description,
		Version:      meta.Version,
		ConfigFields: meta.ConfigFields,
		ItemFields:   meta.ItemFields,
		Capabilities: meta.Capabilities,
		Enabled:      enabled,
		LoadError:    loadErr,
	}
}
