package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/intake/errors"
)

// maxThreadSweep bounds how many known thread roots one reply sweep
// fetches replies for.
const maxThreadSweep = 50

// ProcessFunc runs a batch of adapter-emitted items through the engine
// pipeline (dedup, filter, materialization). It must preserve input
// order. A returned error means the batch was not fully handled and the
// caller must not commit cursor state.
type ProcessFunc func(ctx context.Context, items []Item) error

// Poller drives one polling source. It guarantees at most one in-flight
// poll call for its source at any time: a tick that arrives while a poll
// is still running is dropped, not queued, so a slow adapter cannot build
// an unbounded backlog.
type Poller struct {
	src     *Source
	adapter Adapter
	store   StateStore
	secrets SecretFn
	process ProcessFunc

	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger

	inFlight atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPoller creates a poller for one source. interval is the tick
// cadence; timeout bounds each poll call.
func NewPoller(src *Source, adapter Adapter, store StateStore, secrets SecretFn,
	process ProcessFunc, interval, timeout time.Duration, log *zap.SugaredLogger) *Poller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		src:      src,
		adapter:  adapter,
		store:    store,
		secrets:  secrets,
		process:  process,
		interval: interval,
		timeout:  timeout,
		log:      log.With("source_id", src.ID),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the tick loop. The first poll fires immediately rather
// than waiting a full interval.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		p.Tick()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Tick()
			}
		}
	}()
}

// Stop prevents new polls from starting and waits for any in-flight call
// to finish. The in-flight call is allowed to complete; its own timeout
// bounds the wait.
func (p *Poller) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Tick requests one poll. Non-blocking: if a poll for this source is
// already in flight the tick is dropped.
func (p *Poller) Tick() {
	if p.ctx.Err() != nil {
		return
	}
	if !p.inFlight.CompareAndSwap(false, true) {
		ticksDropped.WithLabelValues(p.src.ID).Inc()
		p.log.Debugw("Tick dropped, poll already in flight")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.pollOnce()
	}()
}

// pollOnce performs one poll round-trip and, on success, commits the new
// cursor state atomically with item emission: the state is persisted only
// after the batch has been normalized, deduplicated, filtered, and handed
// downstream. On any failure the existing state is retained so the next
// tick retries against the same cursor.
func (p *Poller) pollOnce() {
	// Deliberately not derived from p.ctx: stopping the poller lets an
	// in-flight call finish instead of aborting it.
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	state, err := p.store.GetState(ctx, p.src.ID)
	if err != nil {
		p.log.Errorw("Failed to load adapter state", "error", err)
		return
	}

	start := time.Now()
	res, err := p.adapter.Poll(ctx, p.src, state, p.secrets)
	pollDuration.WithLabelValues(p.src.ID).Observe(time.Since(start).Seconds())

	if err != nil {
		// Transient by policy: logged, state retained, source stays
		// enabled, next tick retries.
		pollErrors.WithLabelValues(p.src.ID).Inc()
		p.log.Errorw("Poll failed",
			"error", err,
			"category", errors.Category(err),
		)
		return
	}

	if err := p.process(ctx, res.Items); err != nil {
		// Downstream handling failed: do not persist the new cursor,
		// otherwise these items would be silently lost.
		pollErrors.WithLabelValues(p.src.ID).Inc()
		p.log.Errorw("Batch handling failed, retaining previous state", "error", err)
		return
	}

	if err := p.store.PutState(ctx, p.src.ID, res.State); err != nil {
		p.log.Errorw("Failed to persist adapter state", "error", err)
		return
	}

	if len(res.Items) > 0 {
		p.log.Infow("Poll completed", "items", len(res.Items))
	}

	p.sweepReplies(ctx)
}

// sweepReplies fetches new replies to recently observed threads for
// adapters that declare the threads capability.
func (p *Poller) sweepReplies(ctx context.Context) {
	tp, ok := p.adapter.(ThreadPoller)
	if !ok {
		return
	}

	threads, err := p.store.Threads(ctx, p.src.ID, maxThreadSweep)
	if err != nil {
		p.log.Errorw("Failed to load known threads", "error", err)
		return
	}
	if len(threads) == 0 {
		return
	}

	items, err := tp.PollReplies(ctx, p.src, threads, p.secrets)
	if err != nil {
		p.log.Errorw("Reply sweep failed", "error", err)
		return
	}
	if len(items) == 0 {
		return
	}

	if err := p.process(ctx, items); err != nil {
		p.log.Errorw("Reply batch handling failed", "error", err)
	}
}
