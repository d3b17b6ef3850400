package ingest

import (
	"time"

	"sjsage522/dealingester/internal/catalog"
)

// Config bounds the orchestrator's concurrency, timeouts, and policies.
type Config struct {
	// Concurrency is the worker pool size for a batch.
	Concurrency int

	// RenderTimeout bounds one render attempt.
	RenderTimeout time.Duration
	// RenderWaitStable is the post-navigation settle wait.
	RenderWaitStable time.Duration
	// ExtractTimeout bounds one extraction attempt.
	ExtractTimeout time.Duration
	// TargetTimeout bounds a target's whole pipeline.
	TargetTimeout time.Duration

	// RetryMaxAttempts bounds attempts around the render and extract stages.
	RetryMaxAttempts int
	// RetryBaseBackoff is the first backoff delay; it doubles per attempt
	// with jitter.
	RetryBaseBackoff time.Duration

	// MissThreshold is the consecutive-absence count before expiry.
	MissThreshold int
	// RunStaleAfter is how long a ledger entry may stay running before the
	// next batch reaps it as failed.
	RunStaleAfter time.Duration
	// BlockCooldown is the politeness cooldown after a target blocks us.
	BlockCooldown time.Duration
}

// Outcome states for one target's pipeline.
const (
	OutcomeSuccess          = "success"
	OutcomeSkippedUnchanged = "skipped_unchanged"
	OutcomeSkippedBlocked   = "skipped_blocked"
	OutcomeFailed           = "failed"
)

// TargetOutcome is one target's result within a batch.
type TargetOutcome struct {
	TargetID   int64             `json:"target_id"`
	MerchantID string            `json:"merchant_id"`
	URL        string            `json:"url"`
	RunID      string            `json:"run_id,omitempty"`
	Outcome    string            `json:"outcome"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	Counts     catalog.RunCounts `json:"counts"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// BatchReport aggregates a whole batch. Totals are a commutative sum of the
// per-target counts, so worker completion order does not matter.
type BatchReport struct {
	StartedAt time.Time         `json:"started_at"`
	Elapsed   time.Duration     `json:"elapsed"`
	Targets   int               `json:"targets"`
	Failed    int               `json:"failed"`
	Outcomes  []TargetOutcome   `json:"outcomes"`
	Totals    catalog.RunCounts `json:"totals"`
}
