package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/intake/errors"
)

// SessionState is the lifecycle state of one realtime session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReconnecting SessionState = "reconnecting"
	SessionStopped      SessionState = "stopped"
)

// SessionManager owns the connect/stream/reconnect lifecycle for sources
// whose adapters support persistent connections. Each source gets a
// dedicated goroutine; sessions are represented explicitly as cancellable
// handles, and disconnect requires positive acknowledgement from the loop
// rather than assuming success.
type SessionManager struct {
	store          StateStore
	secrets        SecretFn
	reconnectDelay time.Duration
	stopGrace      time.Duration
	log            *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one live realtime connection handle.
type session struct {
	id      string
	src     *Source
	adapter RealtimeAdapter

	cancel context.CancelFunc
	done   chan struct{} // closed after onDisconnect has fired

	mu    sync.Mutex
	state SessionState

	// committedState is the last cursor persisted after successful item
	// handling. Reconnects always resume from here, never from scratch.
	committedState []byte

	// emitFailed marks that downstream handling failed during the
	// current receive iteration, so the next cursor commit is skipped
	// and the items are re-delivered after reconnect.
	emitFailed bool
}

// NewSessionManager creates a session manager. reconnectDelay is the
// fixed wait between a loop error and the retry; stopGrace bounds how
// long Disconnect waits for the loop to acknowledge.
func NewSessionManager(store StateStore, secrets SecretFn,
	reconnectDelay, stopGrace time.Duration, log *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		store:          store,
		secrets:        secrets,
		reconnectDelay: reconnectDelay,
		stopGrace:      stopGrace,
		log:            log,
		sessions:       make(map[string]*session),
	}
}

// Connect starts a realtime session for the source. process handles each
// delivered item; onDisconnect (optional) is invoked exactly once when
// the session loop exits, with the reason.
func (m *SessionManager) Connect(src *Source, adapter RealtimeAdapter,
	process func(ctx context.Context, item Item) error, onDisconnect func(reason string)) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[src.ID]; exists {
		return errors.Newf("realtime session already active for source %s", src.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:      uuid.NewString(),
		src:     src,
		adapter: adapter,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   SessionConnecting,
	}

	state, err := m.store.GetState(ctx, src.ID)
	if err != nil {
		cancel()
		return errors.Wrapf(err, "failed to load state for source %s", src.ID)
	}
	s.committedState = state

	m.sessions[src.ID] = s

	go m.run(ctx, s, process, onDisconnect)
	return nil
}

// run is the session loop: connect, stream until error or cancellation,
// reconnect after a fixed delay with the last committed cursor.
func (m *SessionManager) run(ctx context.Context, s *session,
	process func(ctx context.Context, item Item) error, onDisconnect func(reason string)) {

	log := m.log.With("source_id", s.src.ID, "session_id", s.id)
	reason := "stopped"

	cb := Callbacks{
		// The manager owns the disconnect acknowledgement; it fires from
		// the deferred cleanup below, exactly once per session.
		OnDisconnect: onDisconnect,
		OnItem: func(item Item) {
			if err := process(ctx, item); err != nil {
				s.mu.Lock()
				s.emitFailed = true
				s.mu.Unlock()
				log.Errorw("Item handling failed", "item_id", item.ID, "error", err)
			}
		},
		OnState: func(state []byte) {
			s.mu.Lock()
			failed := s.emitFailed
			s.emitFailed = false
			s.mu.Unlock()

			if failed {
				// Cursor advances only past fully handled items.
				// Skipping the commit re-delivers this stretch after the
				// next reconnect; items that already succeeded dedup
				// away and the failed ones get retried.
				log.Warnw("Skipping cursor commit after failed item handling")
				return
			}

			if err := m.store.PutState(ctx, s.src.ID, state); err != nil {
				log.Errorw("Failed to persist cursor", "error", err)
				return
			}
			s.mu.Lock()
			s.committedState = state
			s.mu.Unlock()
		},
		OnError: func(err error) {
			log.Warnw("Realtime stream error", "error", err, "category", errors.Category(err))
		},
	}

	defer func() {
		s.setState(SessionStopped)
		m.mu.Lock()
		delete(m.sessions, s.src.ID)
		m.mu.Unlock()

		// Positive acknowledgement: exactly once, after the loop has
		// fully exited.
		if cb.OnDisconnect != nil {
			cb.OnDisconnect(reason)
		}
		close(s.done)
		log.Infow("Realtime session ended", "reason", reason)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		s.setState(SessionConnecting)
		log.Infow("Connecting realtime session")

		s.mu.Lock()
		resumeFrom := s.committedState
		s.mu.Unlock()

		s.setState(SessionConnected)
		err := s.adapter.Connect(ctx, s.src, resumeFrom, m.secrets, cb)

		if ctx.Err() != nil {
			// Explicit disconnect: the in-flight request was aborted by
			// cancellation, not by a transport failure.
			return
		}

		s.setState(SessionReconnecting)
		reconnects.WithLabelValues(s.src.ID).Inc()
		if err != nil {
			reason = err.Error()
			log.Warnw("Realtime session lost, reconnecting",
				"error", err,
				"delay", m.reconnectDelay,
			)
		} else {
			reason = "stream closed"
			log.Warnw("Realtime stream closed, reconnecting", "delay", m.reconnectDelay)
		}

		select {
		case <-ctx.Done():
			reason = "stopped"
			return
		case <-time.After(m.reconnectDelay):
		}
	}
}

// Disconnect stops the session for a source, aborting any in-flight
// request, and waits for the loop to acknowledge via its disconnect hook.
// Returns errors.ErrNotConnected if no session is active.
func (m *SessionManager) Disconnect(sourceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sourceID]
	m.mu.Unlock()

	if !ok {
		return errors.Wrapf(errors.ErrNotConnected, "source %s", sourceID)
	}

	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-time.After(m.stopGrace):
		return errors.Newf("session for source %s did not acknowledge disconnect within %s",
			sourceID, m.stopGrace)
	}
}

// Send delivers an outbound message through the source's active realtime
// session. Calling Send without an active connection fails explicitly.
func (m *SessionManager) Send(ctx context.Context, sourceID, target, message string) error {
	m.mu.Lock()
	s, ok := m.sessions[sourceID]
	m.mu.Unlock()

	if !ok {
		return errors.Wrapf(errors.ErrNotConnected, "source %s", sourceID)
	}

	sender, ok := s.adapter.(Sender)
	if !ok {
		return errors.Wrapf(errors.ErrUnsupported, "adapter %s cannot send", s.src.Type)
	}

	return sender.Send(ctx, s.src, target, message, m.secrets)
}

// State returns the lifecycle state for a source's session, or
// SessionDisconnected when none is active.
func (m *SessionManager) State(sourceID string) SessionState {
	m.mu.Lock()
	s, ok := m.sessions[sourceID]
	m.mu.Unlock()

	if !ok {
		return SessionDisconnected
	}
	return s.getState()
}

// Shutdown disconnects every active session. Bounded by stopGrace per
// source, not indefinite.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Disconnect(id); err != nil && !errors.Is(err, errors.ErrNotConnected) {
				m.log.Warnw("Session shutdown", "source_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
