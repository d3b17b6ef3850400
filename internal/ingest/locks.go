package ingest

import "sync"

// targetLocks serializes pipelines per target id. Runs against different
// targets proceed independently; two runs against the same target must never
// interleave, because the stored-hash read and write-back bracket the whole
// pipeline.
type targetLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newTargetLocks() *targetLocks {
	return &targetLocks{locks: make(map[int64]*sync.Mutex)}
}

// acquire locks the target's mutex and returns the release func.
func (l *targetLocks) acquire(targetID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[targetID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[targetID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
