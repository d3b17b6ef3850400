package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/internal/extract"
	"sjsage522/dealingester/internal/reconcile"
	"sjsage522/dealingester/internal/renderer"
	"sjsage522/dealingester/services/publisher"
	"sjsage522/dealingester/services/store"
)

// mockStore implements store.Store in memory for testing
type mockStore struct {
	mu sync.Mutex

	targets []catalog.CrawlTarget
	deals   map[string][]catalog.Deal // merchant id -> rows

	appliedPlans []*reconcile.Plan
	hashWrites   map[int64]string
	touched      []int64

	runs       map[string]catalog.RunStatus
	runCounts  map[string]catalog.RunCounts
	runKinds   map[string]string
	beginCount int
	reaped     int64

	applyErr error
	listErr  error
}

var _ store.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		deals:      make(map[string][]catalog.Deal),
		hashWrites: make(map[int64]string),
		runs:       make(map[string]catalog.RunStatus),
		runCounts:  make(map[string]catalog.RunCounts),
		runKinds:   make(map[string]string),
	}
}

func (m *mockStore) ListEnabledTargets(ctx context.Context) ([]catalog.CrawlTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targets, nil
}

func (m *mockStore) UpdateContentHash(ctx context.Context, targetID int64, prevHash, newHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashWrites[targetID] = newHash
	return true, nil
}

func (m *mockStore) TouchCrawled(ctx context.Context, targetID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, targetID)
	return nil
}

func (m *mockStore) ListDealsByMerchant(ctx context.Context, merchantID string) ([]catalog.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.deals[merchantID], nil
}

func (m *mockStore) ApplyPlan(ctx context.Context, plan *reconcile.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	m.appliedPlans = append(m.appliedPlans, plan)
	return nil
}

func (m *mockStore) BeginRun(ctx context.Context, scope string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beginCount++
	id := "run-" + scope
	m.runs[id] = catalog.RunStatusRunning
	return id, nil
}

func (m *mockStore) CompleteRun(ctx context.Context, id string, counts catalog.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[id] != catalog.RunStatusRunning {
		return errors.New("run not running")
	}
	m.runs[id] = catalog.RunStatusSuccess
	m.runCounts[id] = counts
	return nil
}

func (m *mockStore) FailRun(ctx context.Context, id string, errKind, errMsg string, counts catalog.RunCounts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs[id] != catalog.RunStatusRunning {
		return errors.New("run not running")
	}
	m.runs[id] = catalog.RunStatusFailed
	m.runCounts[id] = counts
	m.runKinds[id] = errKind
	return nil
}

func (m *mockStore) ReapStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reaped, nil
}

func (m *mockStore) Migrate(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                      { return nil }

// terminalRuns reports whether every begun run reached a terminal state
func (m *mockStore) terminalRuns() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, status := range m.runs {
		if status == catalog.RunStatusRunning {
			return false
		}
	}
	return true
}

// mockRenderer implements renderer.Renderer with scripted results
type mockRenderer struct {
	mu      sync.Mutex
	results map[string]*renderer.Result
	errs    map[string][]error // consumed one per call
	calls   int
}

var _ renderer.Renderer = (*mockRenderer)(nil)

func newMockRenderer() *mockRenderer {
	return &mockRenderer{
		results: make(map[string]*renderer.Result),
		errs:    make(map[string][]error),
	}
}

func (m *mockRenderer) Render(ctx context.Context, url string, opts renderer.Options) (*renderer.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if queue := m.errs[url]; len(queue) > 0 {
		err := queue[0]
		m.errs[url] = queue[1:]
		return nil, err
	}
	if res, ok := m.results[url]; ok {
		return res, nil
	}
	return &renderer.Result{Text: "empty page", HTML: "<html></html>", Status: 200}, nil
}

func (m *mockRenderer) Close() error { return nil }

// mockExtractor implements extract.Extractor
type mockExtractor struct {
	mu     sync.Mutex
	result *extract.Result
	errs   []error // consumed one per call
	calls  int
}

var _ extract.Extractor = (*mockExtractor)(nil)

func (m *mockExtractor) Extract(ctx context.Context, text string, hints extract.Hints) (*extract.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &extract.Result{}, nil
}

func (m *mockExtractor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockPublisher implements publisher.Publisher
type mockPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

var _ publisher.Publisher = (*mockPublisher)(nil)

func newMockPublisher() *mockPublisher {
	return &mockPublisher{messages: make(map[string][][]byte)}
}

func (m *mockPublisher) Publish(key string, message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(message))
	copy(cp, message)
	m.messages[key] = append(m.messages[key], cp)
	return nil
}

func (m *mockPublisher) TrimStreams() error { return nil }
func (m *mockPublisher) Close() error       { return nil }

func (m *mockPublisher) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[key])
}

// memoryCache implements cache.CacheService in memory
type memoryCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string][]byte)}
}

func (m *memoryCache) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return nil, errors.New("cache miss")
}

func (m *memoryCache) Set(key string, value []byte, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryCache) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
