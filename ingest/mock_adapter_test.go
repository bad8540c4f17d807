package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/teranos/intake/errors"
)

// errTrackerDown simulates a temporarily unavailable downstream tracker;
// errStreamReset simulates a dropped realtime transport.
var (
	errTrackerDown = errors.New("tracker unavailable")
	errStreamReset = errors.New("stream reset")
)

// =============================================================================
// Mock adapter implementations shared by registry/poller/session/engine tests
// =============================================================================

type fakeAdapter struct {
	meta        Metadata
	validateErr error
	pollFn      func(ctx context.Context, src *Source, state []byte, secrets SecretFn) (*PollResult, error)
	testFn      func(ctx context.Context, src *Source, secrets SecretFn) (*TestResult, error)

	pollCalls    atomic.Int64
	maxInFlight  atomic.Int64
	curInFlight  atomic.Int64
}

func newFakeAdapter(adapterType string) *fakeAdapter {
	return &fakeAdapter{
		meta: Metadata{
			Type:    adapterType,
			Name:    adapterType,
			Version: "1.0.0",
		},
	}
}

func (f *fakeAdapter) Metadata() Metadata { return f.meta }

func (f *fakeAdapter) Validate(src *Source) error { return f.validateErr }

func (f *fakeAdapter) Poll(ctx context.Context, src *Source, state []byte, secrets SecretFn) (*PollResult, error) {
	f.pollCalls.Add(1)
	cur := f.curInFlight.Add(1)
	defer f.curInFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.pollFn != nil {
		return f.pollFn(ctx, src, state, secrets)
	}
	return &PollResult{State: state}, nil
}

func (f *fakeAdapter) Test(ctx context.Context, src *Source, secrets SecretFn) (*TestResult, error) {
	if f.testFn != nil {
		return f.testFn(ctx, src, secrets)
	}
	return &TestResult{OK: true, Message: "ok"}, nil
}

type fakeRealtimeAdapter struct {
	fakeAdapter
	connectFn func(ctx context.Context, src *Source, state []byte, secrets SecretFn, cb Callbacks) error
	sendFn    func(ctx context.Context, src *Source, target, message string, secrets SecretFn) error
}

func newFakeRealtimeAdapter(adapterType string) *fakeRealtimeAdapter {
	a := &fakeRealtimeAdapter{}
	a.meta = Metadata{
		Type:         adapterType,
		Name:         adapterType,
		Version:      "1.0.0",
		Capabilities: Capabilities{Realtime: true, Send: true},
	}
	return a
}

func (f *fakeRealtimeAdapter) Connect(ctx context.Context, src *Source, state []byte, secrets SecretFn, cb Callbacks) error {
	if f.connectFn != nil {
		return f.connectFn(ctx, src, state, secrets, cb)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeRealtimeAdapter) Send(ctx context.Context, src *Source, target, message string, secrets SecretFn) error {
	if f.sendFn != nil {
		return f.sendFn(ctx, src, target, message, secrets)
	}
	return nil
}

type fakeThreadAdapter struct {
	fakeAdapter
	repliesFn func(ctx context.Context, src *Source, threads []string, secrets SecretFn) ([]Item, error)
}

func newFakeThreadAdapter(adapterType string) *fakeThreadAdapter {
	a := &fakeThreadAdapter{}
	a.meta = Metadata{
		Type:         adapterType,
		Name:         adapterType,
		Version:      "1.0.0",
		Capabilities: Capabilities{Threads: true},
	}
	return a
}

func (f *fakeThreadAdapter) PollReplies(ctx context.Context, src *Source, threads []string, secrets SecretFn) ([]Item, error) {
	if f.repliesFn != nil {
		return f.repliesFn(ctx, src, threads, secrets)
	}
	return nil, nil
}

// fakeMaterializer records materialization calls.
type fakeMaterializer struct {
	mu            sync.Mutex
	created       []Item
	replies       map[string][]Item
	failErr       error
	failRemaining int
}

func newFakeMaterializer() *fakeMaterializer {
	return &fakeMaterializer{replies: make(map[string][]Item)}
}

// failNext makes the next n materialization calls fail with err, then
// the tracker "recovers" and calls succeed again.
func (f *fakeMaterializer) failNext(err error, n int) {
	f.mu.Lock()
	f.failErr = err
	f.failRemaining = n
	f.mu.Unlock()
}

func (f *fakeMaterializer) fail() error {
	if f.failRemaining > 0 {
		f.failRemaining--
		return f.failErr
	}
	return nil
}

func (f *fakeMaterializer) CreateWorkItem(_ context.Context, item Item, _ TaskDefaults) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.created = append(f.created, item)
	return nil
}

func (f *fakeMaterializer) AddReply(_ context.Context, parentID string, item Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.replies[parentID] = append(f.replies[parentID], item)
	return nil
}

func (f *fakeMaterializer) HasWorkItem(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.created {
		if item.ID == id {
			return true
		}
	}
	return false
}

func (f *fakeMaterializer) createdIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.created))
	for i, item := range f.created {
		ids[i] = item.ID
	}
	return ids
}

// noSecrets is a SecretFn for adapters that need none.
func noSecrets(name string) (string, error) {
	return "", nil
}
