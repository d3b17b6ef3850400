package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"sjsage522/dealingester/helpers"
	"sjsage522/dealingester/internal/ingest"
	"sjsage522/dealingester/services/publisher"
)

// MockIngester implements the Ingester interface for testing
type MockIngester struct {
	mu     sync.Mutex
	report *ingest.BatchReport
	err    error
	calls  int
	forces []bool
}

var _ Ingester = (*MockIngester)(nil)

func (m *MockIngester) IngestAll(ctx context.Context, force bool) (*ingest.BatchReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.forces = append(m.forces, force)
	if m.err != nil {
		return nil, m.err
	}
	if m.report != nil {
		return m.report, nil
	}
	return &ingest.BatchReport{}, nil
}

func (m *MockIngester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockPublisher implements the publisher.Publisher interface for testing
type MockPublisher struct {
	mu      sync.Mutex
	trimmed int
}

var _ publisher.Publisher = (*MockPublisher)(nil)

func (m *MockPublisher) Publish(key string, message []byte) error { return nil }

func (m *MockPublisher) TrimStreams() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimmed++
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// MockLogger implements the helpers.LoggerInterface for testing
type MockLogger struct {
	mu     sync.Mutex
	errors []string
	infos  []string
}

var _ helpers.LoggerInterface = (*MockLogger)(nil)

func (m *MockLogger) LogError(component string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, component+": "+err.Error())
}

func (m *MockLogger) LogInfo(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, fmt.Sprintf(format, args...))
}

func TestWorkerRunOnce(t *testing.T) {
	ingester := &MockIngester{report: &ingest.BatchReport{Targets: 3}}
	pub := &MockPublisher{}
	log := &MockLogger{}

	w := NewWorker(context.Background(), ingester, pub, log, time.Second, false, true)

	err := w.Start()
	assert.NoError(t, err)
	assert.Equal(t, 1, ingester.callCount())
	assert.Equal(t, 1, pub.trimmed, "streams trimmed after the batch")
	assert.NotEmpty(t, log.infos)
	assert.Empty(t, log.errors)
}

func TestWorkerForceFlagPropagates(t *testing.T) {
	ingester := &MockIngester{}

	w := NewWorker(context.Background(), ingester, &MockPublisher{}, &MockLogger{}, time.Second, true, true)

	assert.NoError(t, w.Start())
	assert.Equal(t, []bool{true}, ingester.forces)
}

func TestWorkerLogsBatchError(t *testing.T) {
	ingester := &MockIngester{err: errors.New("datastore unavailable")}
	log := &MockLogger{}

	w := NewWorker(context.Background(), ingester, &MockPublisher{}, log, time.Second, false, true)

	assert.NoError(t, w.Start(), "a batch error is logged, not fatal")
	assert.NotEmpty(t, log.errors)
	assert.Contains(t, log.errors[0], "datastore unavailable")
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ingester := &MockIngester{}

	w := NewWorker(ctx, ingester, &MockPublisher{}, &MockLogger{}, time.Hour, false, false)

	done := make(chan error, 1)
	go func() { done <- w.Start() }()

	// let the first batch run, then cancel during the interval wait
	assert.Eventually(t, func() bool { return ingester.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on cancellation")
	}
}
