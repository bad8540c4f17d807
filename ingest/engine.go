package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/intake/errors"
)

// StateStore persists the opaque per-source adapter cursor and the thread
// roots observed per source. State blobs are stored verbatim: returned
// from one poll, replayed into the next, never merged or interpreted.
type StateStore interface {
	// GetState returns the stored cursor for a source, nil when the
	// source has never polled.
	GetState(ctx context.Context, sourceID string) ([]byte, error)

	// PutState replaces the stored cursor wholesale.
	PutState(ctx context.Context, sourceID string, state []byte) error

	// Threads returns up to limit recently observed thread roots.
	Threads(ctx context.Context, sourceID string, limit int) ([]string, error)

	// RecordThread records a thread root for the reply sweep.
	RecordThread(ctx context.Context, sourceID, threadID string) error
}

// Materializer is the downstream task-tracking collaborator. It must be
// idempotent per item id.
type Materializer interface {
	// CreateWorkItem creates (or updates) a work item from an accepted
	// ingest item, stamped with the source's task defaults.
	CreateWorkItem(ctx context.Context, item Item, defaults TaskDefaults) error

	// AddReply attaches an accepted item as a comment/reply to the work
	// item materialized from parentID.
	AddReply(ctx context.Context, parentID string, item Item) error

	// HasWorkItem reports whether an item id has already been
	// materialized, used to route replies.
	HasWorkItem(ctx context.Context, id string) bool
}

// Options are the engine-level tunables, typically sourced from the
// config package.
type Options struct {
	PollTimeout         time.Duration
	LongPollTimeout     time.Duration
	ReconnectDelay      time.Duration
	DefaultPollInterval time.Duration
	DedupMaxIDs         int
}

// Engine drives all configured sources: the poll invoker for polling
// sources, the session manager for realtime ones. Sources run
// concurrently and independently; a misbehaving source degrades only
// itself, and nothing here terminates the host process on a per-source
// failure.
type Engine struct {
	registry *Registry
	store    StateStore
	mat      Materializer
	secrets  SecretFn
	opts     Options
	log      *zap.SugaredLogger

	sessions *SessionManager

	mu      sync.Mutex
	pollers map[string]*Poller
	ledgers map[string]*Ledger
	sources map[string]*Source
}

// NewEngine creates an engine. All collaborators are required.
func NewEngine(registry *Registry, store StateStore, mat Materializer,
	secrets SecretFn, opts Options, log *zap.SugaredLogger) *Engine {

	// The disconnect grace must exceed the long-poll timeout: a loop
	// blocked in a receive observes cancellation as soon as the request
	// aborts, which is immediate, but a slow OnDisconnect path still
	// gets bounded room.
	stopGrace := opts.LongPollTimeout + 5*time.Second

	return &Engine{
		registry: registry,
		store:    store,
		mat:      mat,
		secrets:  secrets,
		opts:     opts,
		log:      log,
		sessions: NewSessionManager(store, secrets, opts.ReconnectDelay, stopGrace, log.Named("session")),
		pollers:  make(map[string]*Poller),
		ledgers:  make(map[string]*Ledger),
		sources:  make(map[string]*Source),
	}
}

// StartSource validates and starts one source in the concurrency domain
// its connection mode selects. Disabled sources are skipped silently.
func (e *Engine) StartSource(src *Source) error {
	if !src.Enabled {
		return nil
	}

	if err := e.registry.ValidateSource(src); err != nil {
		return err
	}

	adapter, err := e.registry.Get(src.Type)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, running := e.sources[src.ID]; running {
		e.mu.Unlock()
		return errors.Newf("source %s already started", src.ID)
	}
	e.sources[src.ID] = src
	ledger := NewLedger(e.opts.DedupMaxIDs)
	e.ledgers[src.ID] = ledger
	e.mu.Unlock()

	switch src.ConnectionMode {
	case ModeRealtime:
		rt := adapter.(RealtimeAdapter) // capability checked at registration
		err := e.sessions.Connect(src, rt,
			func(ctx context.Context, item Item) error {
				return e.processBatch(ctx, src, ledger, []Item{item})
			},
			func(reason string) {
				e.log.Infow("Source disconnected", "source_id", src.ID, "reason", reason)
			})
		if err != nil {
			e.forgetSource(src.ID)
			return err
		}

	default:
		poller := NewPoller(src, adapter, e.store, e.secrets,
			func(ctx context.Context, items []Item) error {
				return e.processBatch(ctx, src, ledger, items)
			},
			src.PollInterval(e.opts.DefaultPollInterval), e.opts.PollTimeout, e.log.Named("poller"))

		e.mu.Lock()
		e.pollers[src.ID] = poller
		e.mu.Unlock()
		poller.Start()
	}

	e.log.Infow("Source started",
		"source_id", src.ID,
		"adapter", src.Type,
		"mode", src.ConnectionMode,
	)
	return nil
}

// StopSource stops one source: polling sources finish any in-flight call
// without starting a new one; realtime sources abort the in-flight
// request and wait for the loop's disconnect acknowledgement.
func (e *Engine) StopSource(sourceID string) error {
	e.mu.Lock()
	src, ok := e.sources[sourceID]
	poller := e.pollers[sourceID]
	e.mu.Unlock()

	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "source %s not running", sourceID)
	}

	var err error
	if src.ConnectionMode == ModeRealtime {
		err = e.sessions.Disconnect(sourceID)
	} else if poller != nil {
		poller.Stop()
	}

	e.forgetSource(sourceID)
	e.log.Infow("Source stopped", "source_id", sourceID)
	return err
}

// Reload diffs the running set against a newly loaded source list:
// removed or disabled sources stop, new or re-enabled ones start.
// Sources present in both keep running untouched; editing a running
// source requires a stop/start cycle by id.
func (e *Engine) Reload(sources []*Source) {
	next := make(map[string]*Source, len(sources))
	for _, src := range sources {
		if src.Enabled {
			next[src.ID] = src
		}
	}

	e.mu.Lock()
	var stale []string
	for id := range e.sources {
		if _, keep := next[id]; !keep {
			stale = append(stale, id)
		}
	}
	running := make(map[string]bool, len(e.sources))
	for id := range e.sources {
		running[id] = true
	}
	e.mu.Unlock()

	for _, id := range stale {
		if err := e.StopSource(id); err != nil {
			e.log.Warnw("Failed to stop removed source", "source_id", id, "error", err)
		}
	}

	for id, src := range next {
		if running[id] {
			continue
		}
		if err := e.StartSource(src); err != nil {
			e.log.Errorw("Failed to start source",
				"source_id", id,
				"error", err,
				"category", errors.Category(err),
			)
		}
	}
}

// Shutdown stops every source. Finite-time bounded: pollers by their
// call timeout, sessions by the disconnect grace.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		if err := e.StopSource(id); err != nil {
			e.log.Warnw("Source shutdown", "source_id", id, "error", err)
		}
	}
}

// Send delivers an outbound message via a source's active realtime
// session.
func (e *Engine) Send(ctx context.Context, sourceID, target, message string) error {
	return e.sessions.Send(ctx, sourceID, target, message)
}

// TestSource runs the adapter's connectivity test for a source, whether
// or not the source is running.
func (e *Engine) TestSource(ctx context.Context, src *Source) (*TestResult, error) {
	adapter, err := e.registry.Get(src.Type)
	if err != nil {
		return nil, err
	}
	return adapter.Test(ctx, src, e.secrets)
}

// SessionState reports the realtime lifecycle state for a source.
func (e *Engine) SessionState(sourceID string) SessionState {
	return e.sessions.State(sourceID)
}

// Running returns the ids of currently started sources, sorted.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.sources))
	for id := range e.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// processBatch is the shared pipeline between the poll invoker and the
// session manager: dedup, filter, materialize, in adapter order. An
// error means the batch was not fully handled and cursor state must not
// be committed.
func (e *Engine) processBatch(ctx context.Context, src *Source, ledger *Ledger, items []Item) error {
	if len(items) == 0 {
		return nil
	}

	itemsIngested.WithLabelValues(src.ID).Add(float64(len(items)))

	conds := src.Filter
	if len(conds) == 0 {
		if adapter, err := e.registry.Get(src.Type); err == nil {
			conds = adapter.Metadata().DefaultFilter
		}
	}

	for _, item := range items {
		if ledger.Seen(item.ID) {
			itemsDeduped.WithLabelValues(src.ID).Inc()
			continue
		}

		if !EvalConditions(conds, item.Fields) {
			itemsFiltered.WithLabelValues(src.ID).Inc()
			ledger.Add(item.ID)
			continue
		}

		if err := e.materialize(ctx, src, item); err != nil {
			// Not recorded in the ledger: the cursor stays put, the
			// adapter re-delivers, and this item gets another attempt
			// instead of being dropped as a duplicate.
			return errors.Wrapf(err, "failed to materialize item %s", item.ID)
		}
		ledger.Add(item.ID)
		itemsMaterialized.WithLabelValues(src.ID).Inc()

		if item.Origin.ThreadID != "" {
			if err := e.store.RecordThread(ctx, src.ID, item.Origin.ThreadID); err != nil {
				e.log.Warnw("Failed to record thread",
					"source_id", src.ID,
					"thread_id", item.Origin.ThreadID,
					"error", err,
				)
			}
		}
	}

	return nil
}

// materialize routes an accepted item: a reply whose parent is already a
// known work item becomes a comment on it, everything else becomes a new
// work item.
func (e *Engine) materialize(ctx context.Context, src *Source, item Item) error {
	if item.ReplyTo != "" && e.mat.HasWorkItem(ctx, item.ReplyTo) {
		return e.mat.AddReply(ctx, item.ReplyTo, item)
	}
	return e.mat.CreateWorkItem(ctx, item, src.TaskDefaults)
}

func (e *Engine) forgetSource(sourceID string) {
	e.mu.Lock()
	delete(e.sources, sourceID)
	delete(e.pollers, sourceID)
	delete(e.ledgers, sourceID)
	e.mu.Unlock()
}
