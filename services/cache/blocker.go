package cache

import (
	"fmt"
	"strconv"
	"time"
)

// Blocker tracks per-target politeness blocks in the cache. When a target
// serves a bot wall or rate limits us, the orchestrator sets a block and
// skips the target until it expires. The state lives in the cache so every
// worker process honors the same cooldown.
type Blocker struct {
	cache CacheService
}

// NewBlocker creates a Blocker on top of a cache service.
func NewBlocker(cache CacheService) *Blocker {
	return &Blocker{cache: cache}
}

func blockKey(targetID int64) string {
	return fmt.Sprintf("target:%d:blocked", targetID)
}

// Block marks the target as off-limits for the cooldown duration.
func (b *Blocker) Block(targetID int64, cooldown time.Duration) error {
	value := []byte(strconv.FormatInt(int64(cooldown/time.Second), 10))
	return b.cache.Set(blockKey(targetID), value, cooldown)
}

// IsBlocked reports whether a politeness block is active for the target.
// Cache errors read as not-blocked: an unreachable cache must not stop crawls.
func (b *Blocker) IsBlocked(targetID int64) bool {
	_, err := b.cache.Get(blockKey(targetID))
	return err == nil
}

// Unblock clears a target's politeness block.
func (b *Blocker) Unblock(targetID int64) error {
	return b.cache.Delete(blockKey(targetID))
}
