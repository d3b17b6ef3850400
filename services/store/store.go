package store

import (
	"context"
	"time"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/internal/reconcile"
)

// TargetStore reads crawl targets and writes back their content-hash state.
type TargetStore interface {
	// ListEnabledTargets returns all targets configured for crawling.
	ListEnabledTargets(ctx context.Context) ([]catalog.CrawlTarget, error)

	// UpdateContentHash writes the new hash with a compare-and-swap against
	// the hash the run started from. Returns false when another run won.
	UpdateContentHash(ctx context.Context, targetID int64, prevHash, newHash string) (bool, error)

	// TouchCrawled records a crawl that changed nothing.
	TouchCrawled(ctx context.Context, targetID int64) error
}

// DealStore reads a merchant's catalog and applies reconciliation plans.
type DealStore interface {
	// ListDealsByMerchant returns every deal row for the merchant, expired
	// ones included so a sighting can revive them.
	ListDealsByMerchant(ctx context.Context, merchantID string) ([]catalog.Deal, error)

	// ApplyPlan applies the whole mutation set in a single transaction:
	// either every intended mutation lands or none do.
	ApplyPlan(ctx context.Context, plan *reconcile.Plan) error
}

// RunLogStore is the crawl run ledger. Rows reach exactly one terminal state;
// terminal rows are never mutated again.
type RunLogStore interface {
	// BeginRun creates a running ledger entry and returns its id.
	BeginRun(ctx context.Context, scope string) (string, error)

	// CompleteRun transitions a running entry to success with final counts.
	CompleteRun(ctx context.Context, id string, counts catalog.RunCounts) error

	// FailRun transitions a running entry to failed with partial counts.
	FailRun(ctx context.Context, id string, errKind, errMsg string, counts catalog.RunCounts) error

	// ReapStaleRuns finalizes entries left running beyond the threshold as
	// failed, returning how many were reaped.
	ReapStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Store is the full datastore surface the pipeline depends on.
type Store interface {
	TargetStore
	DealStore
	RunLogStore

	Migrate(ctx context.Context) error
	Close() error
}
