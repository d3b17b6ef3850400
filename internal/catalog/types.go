package catalog

import (
	"strings"
	"time"
)

// DealStatus is the lifecycle state of a catalog deal.
type DealStatus string

const (
	StatusPending DealStatus = "pending"
	StatusActive  DealStatus = "active"
	StatusExpired DealStatus = "expired"
)

// RenderMode selects how a target's page content is fetched.
type RenderMode string

const (
	// RenderModeChrome drives a headless browser and waits for dynamic content.
	RenderModeChrome RenderMode = "chrome"
	// RenderModeHTTP fetches the page with a plain HTTP GET.
	RenderModeHTTP RenderMode = "http"
)

// CrawlTarget is a merchant page configured for crawling. Immutable for the
// duration of one run; the hash fields are the only mutable columns and are
// written back with a compare-and-swap.
type CrawlTarget struct {
	ID              int64      `db:"id" json:"id"`
	MerchantID      string     `db:"merchant_id" json:"merchant_id"`
	URL             string     `db:"url" json:"url"`
	RenderMode      RenderMode `db:"render_mode" json:"render_mode"`
	Hints           string     `db:"hints" json:"hints,omitempty"`
	Enabled         bool       `db:"enabled" json:"enabled"`
	LastContentHash string     `db:"last_content_hash" json:"last_content_hash,omitempty"`
	LastCrawledAt   *time.Time `db:"last_crawled_at" json:"last_crawled_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// DealCandidate is an extracted, not-yet-reconciled deal record. Ephemeral:
// produced by the extraction adapter, consumed by the reconciler, never
// persisted directly.
type DealCandidate struct {
	Title      string     `json:"title"`
	LandingURL string     `json:"landing_url"`
	ImageURL   string     `json:"image_url,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`
	TargetID   int64      `json:"target_id"`
	MerchantID string     `json:"merchant_id"`
}

// Deal is a persistent catalog record. Identity is the natural key
// (merchant id, landing URL); everything else is mutable content.
type Deal struct {
	ID           int64      `db:"id" json:"id"`
	MerchantID   string     `db:"merchant_id" json:"merchant_id"`
	LandingURL   string     `db:"landing_url" json:"landing_url"`
	Title        string     `db:"title" json:"title"`
	Summary      string     `db:"summary" json:"summary,omitempty"`
	ThumbnailURL string     `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	StartsAt     *time.Time `db:"starts_at" json:"starts_at,omitempty"`
	EndsAt       *time.Time `db:"ends_at" json:"ends_at,omitempty"`
	Status       DealStatus `db:"status" json:"status"`
	MissCount    int        `db:"miss_count" json:"miss_count"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// NaturalKey identifies a unique catalog deal across runs.
func (d *Deal) NaturalKey() string {
	return NaturalKey(d.MerchantID, d.LandingURL)
}

// NaturalKey returns the canonical (merchant id, landing URL) key.
// Landing URLs are compared case-insensitively on the host part only, so the
// whole URL is kept as-is apart from trailing-slash trimming.
func NaturalKey(merchantID, landingURL string) string {
	return merchantID + "\x00" + strings.TrimSuffix(landingURL, "/")
}

// RunStatus is the lifecycle state of a crawl run ledger entry.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// RunCounts aggregates per-run outcome counts. Addition is commutative, so
// batch totals do not depend on target completion order.
type RunCounts struct {
	Candidates       int `json:"candidates"`
	Inserted         int `json:"inserted"`
	Updated          int `json:"updated"`
	Expired          int `json:"expired"`
	SkippedUnchanged int `json:"skipped_unchanged"`
	SkippedNoop      int `json:"skipped_noop"`
	Dropped          int `json:"dropped"`
	Conflicts        int `json:"conflicts"`
	Errors           int `json:"errors"`
}

// Add accumulates another set of counts into c.
func (c *RunCounts) Add(o RunCounts) {
	c.Candidates += o.Candidates
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Expired += o.Expired
	c.SkippedUnchanged += o.SkippedUnchanged
	c.SkippedNoop += o.SkippedNoop
	c.Dropped += o.Dropped
	c.Conflicts += o.Conflicts
	c.Errors += o.Errors
}

// RunLog is one ledger entry for a crawl run. Once in a terminal state it is
// never mutated; a new run produces a new row.
type RunLog struct {
	ID           string     `db:"id" json:"id"`
	Scope        string     `db:"scope" json:"scope"`
	Status       RunStatus  `db:"status" json:"status"`
	ErrorKind    string     `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage string     `db:"error_message" json:"error_message,omitempty"`
	Counts       RunCounts  `db:"-" json:"counts"`
	StartedAt    time.Time  `db:"started_at" json:"started_at"`
	FinishedAt   *time.Time `db:"finished_at" json:"finished_at,omitempty"`
}
