package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/internal/reconcile"
	"sjsage522/dealingester/logger"
	apperr "sjsage522/dealingester/pkg/errors"
)

const targetSelectColumns = `id, merchant_id, url, render_mode, hints, enabled,
	last_content_hash, last_crawled_at, created_at, updated_at`

const dealSelectColumns = `id, merchant_id, landing_url, title, summary,
	thumbnail_url, starts_at, ends_at, status, miss_count, created_at, updated_at`

// updatableDealColumns whitelists columns ApplyPlan may touch on update.
var updatableDealColumns = map[string]struct{}{
	"title": {}, "summary": {}, "thumbnail_url": {},
	"starts_at": {}, "ends_at": {}, "status": {}, "miss_count": {},
}

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the database, verifies connectivity with a short
// ping-retry loop, and runs migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

// Migrate creates the schema when missing. Idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS crawl_targets (
			id                SERIAL PRIMARY KEY,
			merchant_id       VARCHAR(100) NOT NULL,
			url               TEXT         NOT NULL,
			render_mode       VARCHAR(20)  NOT NULL DEFAULT 'http',
			hints             TEXT         NOT NULL DEFAULT '',
			enabled           BOOLEAN      NOT NULL DEFAULT TRUE,
			last_content_hash TEXT         NOT NULL DEFAULT '',
			last_crawled_at   TIMESTAMPTZ,
			created_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS deals (
			id            BIGSERIAL PRIMARY KEY,
			merchant_id   VARCHAR(100) NOT NULL,
			landing_url   TEXT         NOT NULL,
			title         TEXT         NOT NULL,
			summary       TEXT         NOT NULL DEFAULT '',
			thumbnail_url TEXT         NOT NULL DEFAULT '',
			starts_at     TIMESTAMPTZ,
			ends_at       TIMESTAMPTZ,
			status        VARCHAR(20)  NOT NULL DEFAULT 'pending',
			miss_count    INT          NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
			UNIQUE (merchant_id, landing_url)
		);

		CREATE INDEX IF NOT EXISTS idx_deals_merchant_status ON deals(merchant_id, status);

		CREATE TABLE IF NOT EXISTS crawl_runs (
			id            UUID PRIMARY KEY,
			scope         TEXT        NOT NULL,
			status        VARCHAR(20) NOT NULL DEFAULT 'running',
			error_kind    TEXT        NOT NULL DEFAULT '',
			error_message TEXT        NOT NULL DEFAULT '',
			counts        JSONB       NOT NULL DEFAULT '{}',
			started_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at   TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_crawl_runs_status ON crawl_runs(status, started_at);
	`)
	return err
}

// Close closes the underlying pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ListEnabledTargets returns all enabled crawl targets.
func (s *PostgresStore) ListEnabledTargets(ctx context.Context) ([]catalog.CrawlTarget, error) {
	query := `SELECT ` + targetSelectColumns + ` FROM crawl_targets WHERE enabled ORDER BY id`

	var targets []catalog.CrawlTarget
	if err := s.db.SelectContext(ctx, &targets, query); err != nil {
		return nil, fmt.Errorf("list enabled targets: %w", err)
	}
	return targets, nil
}

// UpdateContentHash performs the per-target compare-and-swap on the stored
// hash. The WHERE clause on the previous hash makes concurrent runs against
// the same target lose cleanly instead of silently overwriting.
func (s *PostgresStore) UpdateContentHash(ctx context.Context, targetID int64, prevHash, newHash string) (bool, error) {
	query := `
		UPDATE crawl_targets
		SET last_content_hash = $3, last_crawled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND last_content_hash = $2
	`

	res, err := s.db.ExecContext(ctx, query, targetID, prevHash, newHash)
	if err != nil {
		return false, fmt.Errorf("update content hash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update content hash rows: %w", err)
	}
	return n == 1, nil
}

// TouchCrawled bumps last_crawled_at without changing the hash.
func (s *PostgresStore) TouchCrawled(ctx context.Context, targetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE crawl_targets SET last_crawled_at = NOW() WHERE id = $1`, targetID)
	if err != nil {
		return fmt.Errorf("touch crawled: %w", err)
	}
	return nil
}

// ListDealsByMerchant returns every deal row for a merchant.
func (s *PostgresStore) ListDealsByMerchant(ctx context.Context, merchantID string) ([]catalog.Deal, error) {
	query := `SELECT ` + dealSelectColumns + ` FROM deals WHERE merchant_id = $1 ORDER BY id`

	var deals []catalog.Deal
	if err := s.db.SelectContext(ctx, &deals, query, merchantID); err != nil {
		return nil, fmt.Errorf("list deals by merchant: %w", err)
	}
	return deals, nil
}

// ApplyPlan applies one merchant's complete mutation set in a transaction.
func (s *PostgresStore) ApplyPlan(ctx context.Context, plan *reconcile.Plan) error {
	if plan.Empty() {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.NewDatastoreWrite("", "begin transaction", err)
	}
	defer tx.Rollback()

	for _, deal := range plan.Inserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deals (merchant_id, landing_url, title, summary,
				thumbnail_url, starts_at, ends_at, status, miss_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)
		`, deal.MerchantID, deal.LandingURL, deal.Title, deal.Summary,
			deal.ThumbnailURL, deal.StartsAt, deal.EndsAt, deal.Status, deal.UpdatedAt)
		if err != nil {
			return apperr.NewDatastoreWrite(deal.MerchantID, "insert deal "+deal.LandingURL, err)
		}
	}

	for _, up := range plan.Updates {
		query, args, err := buildDealUpdate(up)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return apperr.NewDatastoreWrite(up.Deal.MerchantID, "update deal "+up.Deal.LandingURL, err)
		}
	}

	if len(plan.ExpireIDs) > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE deals SET status = 'expired', updated_at = NOW()
			WHERE id = ANY($1)
		`, pq.Array(plan.ExpireIDs))
		if err != nil {
			return apperr.NewDatastoreWrite("", "expire deals", err)
		}
	}

	if len(plan.MissIDs) > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE deals SET miss_count = miss_count + 1, updated_at = NOW()
			WHERE id = ANY($1)
		`, pq.Array(plan.MissIDs))
		if err != nil {
			return apperr.NewDatastoreWrite("", "increment miss counts", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.NewDatastoreWrite("", "commit plan", err)
	}
	return nil
}

// buildDealUpdate renders the field-level UPDATE for one planned update,
// touching only the columns the planner marked changed.
func buildDealUpdate(up reconcile.Update) (string, []interface{}, error) {
	set := "updated_at = $1"
	args := []interface{}{up.Deal.UpdatedAt}

	for _, col := range up.Columns {
		if _, ok := updatableDealColumns[col]; !ok {
			return "", nil, apperr.NewDatastoreWrite(up.Deal.MerchantID, "column not updatable: "+col, nil)
		}
		args = append(args, dealColumnValue(up.Deal, col))
		set += fmt.Sprintf(", %s = $%d", col, len(args))
	}

	args = append(args, up.Deal.ID)
	query := fmt.Sprintf("UPDATE deals SET %s WHERE id = $%d", set, len(args))
	return query, args, nil
}

func dealColumnValue(d catalog.Deal, col string) interface{} {
	switch col {
	case "title":
		return d.Title
	case "summary":
		return d.Summary
	case "thumbnail_url":
		return d.ThumbnailURL
	case "starts_at":
		return d.StartsAt
	case "ends_at":
		return d.EndsAt
	case "status":
		return d.Status
	case "miss_count":
		return d.MissCount
	default:
		return nil
	}
}

// BeginRun creates a running ledger entry.
func (s *PostgresStore) BeginRun(ctx context.Context, scope string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO crawl_runs (id, scope, status, started_at) VALUES ($1, $2, 'running', NOW())`,
		id, scope)
	if err != nil {
		return "", apperr.NewDatastoreWrite(scope, "begin run", err)
	}
	return id, nil
}

// CompleteRun transitions a running entry to success. The status guard keeps
// terminal rows immutable; completing twice is a logged no-op.
func (s *PostgresStore) CompleteRun(ctx context.Context, id string, counts catalog.RunCounts) error {
	return s.finishRun(ctx, id, catalog.RunStatusSuccess, "", "", counts)
}

// FailRun transitions a running entry to failed with partial counts.
func (s *PostgresStore) FailRun(ctx context.Context, id string, errKind, errMsg string, counts catalog.RunCounts) error {
	return s.finishRun(ctx, id, catalog.RunStatusFailed, errKind, errMsg, counts)
}

func (s *PostgresStore) finishRun(ctx context.Context, id string, status catalog.RunStatus, errKind, errMsg string, counts catalog.RunCounts) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return apperr.NewDatastoreWrite(id, "marshal run counts", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs
		SET status = $2, error_kind = $3, error_message = $4, counts = $5, finished_at = NOW()
		WHERE id = $1 AND status = 'running'
	`, id, status, errKind, errMsg, countsJSON)
	if err != nil {
		return apperr.NewDatastoreWrite(id, "finish run", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		logger.ForStore().Warn().
			Str("run_id", id).
			Str("status", string(status)).
			Msg("Run already terminal, finish ignored")
	}
	return nil
}

// ReapStaleRuns fails entries left running beyond the staleness threshold.
func (s *PostgresStore) ReapStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_runs
		SET status = 'failed', error_kind = 'stale',
			error_message = 'run exceeded staleness threshold', finished_at = NOW()
		WHERE status = 'running' AND started_at < $1
	`, cutoff)
	if err != nil {
		return 0, apperr.NewDatastoreWrite("", "reap stale runs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap stale rows: %w", err)
	}
	return n, nil
}
