// Package ingest sequences the crawl pipeline per target and drives batches
// across a bounded worker pool. Per target the stages run strictly in order:
// Rendering, change detection, then either skip or Extracting, Reconciling,
// and the ledger write. One target's permanent failure never aborts the rest
// of the batch.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sjsage522/dealingester/internal/catalog"
	"sjsage522/dealingester/internal/detect"
	"sjsage522/dealingester/internal/extract"
	"sjsage522/dealingester/internal/reconcile"
	"sjsage522/dealingester/internal/renderer"
	"sjsage522/dealingester/logger"
	apperr "sjsage522/dealingester/pkg/errors"
	"sjsage522/dealingester/services/cache"
	"sjsage522/dealingester/services/publisher"
	"sjsage522/dealingester/services/store"
)

// Orchestrator runs the crawl-and-ingest pipeline.
type Orchestrator struct {
	store     store.Store
	chrome    renderer.Renderer
	plain     renderer.Renderer
	extractor extract.Extractor
	blocker   *cache.Blocker
	pub       publisher.Publisher
	cfg       Config
	locks     *targetLocks
	log       *logger.Logger
}

// NewOrchestrator wires the pipeline's collaborators together. chrome may be
// shared with other orchestrators; the orchestrator does not close it.
func NewOrchestrator(
	st store.Store,
	chrome renderer.Renderer,
	plain renderer.Renderer,
	extractor extract.Extractor,
	blocker *cache.Blocker,
	pub publisher.Publisher,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:     st,
		chrome:    chrome,
		plain:     plain,
		extractor: extractor,
		blocker:   blocker,
		pub:       pub,
		cfg:       cfg,
		locks:     newTargetLocks(),
		log:       logger.ForOrchestrator(),
	}
}

// IngestAll crawls every enabled target. force bypasses the change detector.
func (o *Orchestrator) IngestAll(ctx context.Context, force bool) (*BatchReport, error) {
	targets, err := o.store.ListEnabledTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return o.IngestTargets(ctx, targets, force)
}

// IngestTargets crawls the given targets through the bounded worker pool and
// aggregates a batch report. Before scheduling anything it reaps ledger
// entries a previous crash left running.
func (o *Orchestrator) IngestTargets(ctx context.Context, targets []catalog.CrawlTarget, force bool) (*BatchReport, error) {
	started := time.Now()

	if reaped, err := o.store.ReapStaleRuns(ctx, o.cfg.RunStaleAfter); err != nil {
		o.log.Error().Err(err).Msg("Failed to reap stale runs")
	} else if reaped > 0 {
		o.log.Warn().Int64("reaped", reaped).Msg("Finalized stale runs as failed")
	}

	report := &BatchReport{StartedAt: started, Targets: len(targets)}

	concurrency := o.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, t := range targets {
		wg.Add(1)
		go func(t catalog.CrawlTarget) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			outcome := o.ingestTarget(ctx, t, force)

			mu.Lock()
			report.Outcomes = append(report.Outcomes, outcome)
			report.Totals.Add(outcome.Counts)
			if outcome.Outcome == OutcomeFailed {
				report.Failed++
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	report.Elapsed = time.Since(started)

	o.log.Info().
		Int("targets", report.Targets).
		Int("failed", report.Failed).
		Int("inserted", report.Totals.Inserted).
		Int("updated", report.Totals.Updated).
		Int("expired", report.Totals.Expired).
		Int("skipped_unchanged", report.Totals.SkippedUnchanged).
		Dur("elapsed", report.Elapsed).
		Msg("Batch completed")

	return report, nil
}

// ingestTarget runs one target's pipeline to completion and reports its
// outcome. Every begun ledger entry reaches a terminal state on every path.
func (o *Orchestrator) ingestTarget(ctx context.Context, target catalog.CrawlTarget, force bool) TargetOutcome {
	started := time.Now()
	outcome := TargetOutcome{
		TargetID:   target.ID,
		MerchantID: target.MerchantID,
		URL:        target.URL,
	}

	release := o.locks.acquire(target.ID)
	defer release()

	log := logger.ForTarget(target.MerchantID, target.ID)

	if o.blocker != nil && o.blocker.IsBlocked(target.ID) {
		log.Warn().Msg("Target under politeness block, skipping")
		outcome.Outcome = OutcomeSkippedBlocked
		outcome.Elapsed = time.Since(started)
		return outcome
	}

	runID, err := o.store.BeginRun(ctx, fmt.Sprintf("target:%d:%s", target.ID, target.MerchantID))
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin run ledger entry")
		outcome.Outcome = OutcomeFailed
		outcome.ErrorKind = string(apperr.KindOf(err, apperr.ErrorTypeDatastoreWrite))
		outcome.Error = err.Error()
		outcome.Counts.Errors = 1
		outcome.Elapsed = time.Since(started)
		return outcome
	}
	outcome.RunID = runID

	targetCtx := ctx
	if o.cfg.TargetTimeout > 0 {
		var cancel context.CancelFunc
		targetCtx, cancel = context.WithTimeout(ctx, o.cfg.TargetTimeout)
		defer cancel()
	}

	counts, err := o.runPipeline(targetCtx, target, force, log)
	outcome.Counts = counts

	if err != nil {
		kind := apperr.KindOf(err, apperr.ErrorTypeNavigation)
		if targetCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			kind = apperr.ErrorTypeRenderTimeout
		}

		outcome.Outcome = OutcomeFailed
		outcome.ErrorKind = string(kind)
		outcome.Error = err.Error()
		outcome.Counts.Errors++

		log.Error().Err(err).Str("kind", string(kind)).Msg("Target pipeline failed")

		if ferr := o.store.FailRun(ctx, runID, string(kind), err.Error(), outcome.Counts); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record run failure")
		}
	} else {
		if counts.SkippedUnchanged > 0 {
			outcome.Outcome = OutcomeSkippedUnchanged
		} else {
			outcome.Outcome = OutcomeSuccess
		}
		if cerr := o.store.CompleteRun(ctx, runID, outcome.Counts); cerr != nil {
			log.Error().Err(cerr).Msg("Failed to record run completion")
		}
	}

	outcome.Elapsed = time.Since(started)
	return outcome
}

// runPipeline executes the staged pipeline for one target and returns its
// outcome counts. The ledger entry is owned by the caller.
func (o *Orchestrator) runPipeline(ctx context.Context, target catalog.CrawlTarget, force bool, log *logger.Logger) (catalog.RunCounts, error) {
	var counts catalog.RunCounts

	// Rendering
	var rendered *renderer.Result
	err := o.withRetry(ctx, "render", func() error {
		var rerr error
		rendered, rerr = o.render(ctx, target)
		return rerr
	})
	if err != nil {
		if apperr.KindOf(err, "") == apperr.ErrorTypeBlocked && o.blocker != nil {
			if berr := o.blocker.Block(target.ID, o.cfg.BlockCooldown); berr != nil {
				log.Warn().Err(berr).Msg("Failed to set politeness block")
			}
		}
		return counts, err
	}

	// Change detection gates the expensive extraction call.
	content := rendered.HTML
	if content == "" {
		content = rendered.Text
	}
	detection := detect.Compare(target.LastContentHash, content)
	if !detection.Changed && !force {
		counts.SkippedUnchanged = 1
		if terr := o.store.TouchCrawled(ctx, target.ID); terr != nil {
			log.Warn().Err(terr).Msg("Failed to touch last_crawled_at")
		}
		log.Debug().Msg("Content unchanged, extraction skipped")
		return counts, nil
	}

	// Extracting
	var extracted *extract.Result
	err = o.withRetry(ctx, "extract", func() error {
		extractCtx := ctx
		if o.cfg.ExtractTimeout > 0 {
			var cancel context.CancelFunc
			extractCtx, cancel = context.WithTimeout(ctx, o.cfg.ExtractTimeout)
			defer cancel()
		}

		var xerr error
		extracted, xerr = o.extractor.Extract(extractCtx, rendered.Text, extract.Hints{
			TargetID:   target.ID,
			MerchantID: target.MerchantID,
			PageURL:    target.URL,
			SiteNotes:  target.Hints,
		})
		return xerr
	})
	if err != nil {
		return counts, err
	}
	counts.Dropped = extracted.Dropped

	// Reconciling
	live, err := o.store.ListDealsByMerchant(ctx, target.MerchantID)
	if err != nil {
		return counts, apperr.NewDatastoreWrite(target.MerchantID, "load live deals", err)
	}

	plan := reconcile.Compute(extracted.Candidates, live, time.Now(), reconcile.Policy{
		MissThreshold: o.cfg.MissThreshold,
	})
	counts.Add(plan.Counts)

	if plan.Counts.Conflicts > 0 {
		log.Warn().
			Int("conflicts", plan.Counts.Conflicts).
			Msg("Duplicate natural keys in extraction batch, kept first occurrence")
	}

	if err := o.store.ApplyPlan(ctx, plan); err != nil {
		return counts, err
	}

	// Hash write-back is a compare-and-swap against the hash this run
	// started from; losing the swap means a concurrent run already advanced
	// the target and this run's value is stale.
	if swapped, err := o.store.UpdateContentHash(ctx, target.ID, target.LastContentHash, detection.NewHash); err != nil {
		return counts, err
	} else if !swapped {
		log.Warn().Msg("Content hash moved underneath this run, write-back skipped")
	}

	o.publishPlan(target, plan)

	log.Info().
		Int("candidates", counts.Candidates).
		Int("inserted", counts.Inserted).
		Int("updated", counts.Updated).
		Int("expired", counts.Expired).
		Int("dropped", counts.Dropped).
		Msg("Target reconciled")

	return counts, nil
}

// render picks the renderer for the target's mode and performs one attempt.
func (o *Orchestrator) render(ctx context.Context, target catalog.CrawlTarget) (*renderer.Result, error) {
	opts := renderer.Options{
		NavigationTimeout: o.cfg.RenderTimeout,
		WaitStable:        o.cfg.RenderWaitStable,
		ScrollToBottom:    target.RenderMode == catalog.RenderModeChrome,
	}

	r := o.plain
	if target.RenderMode == catalog.RenderModeChrome && o.chrome != nil {
		r = o.chrome
	}
	return r.Render(ctx, target.URL, opts)
}

// dealEvent is the wire shape published to the ingest-event stream.
type dealEvent struct {
	Action     string       `json:"action"`
	MerchantID string       `json:"merchant_id"`
	Deal       catalog.Deal `json:"deal"`
}

// publishPlan emits insert/update events as fire-and-forget telemetry. A
// publisher failure is logged and swallowed; it never blocks or fails the
// pipeline, which is acceptable only because nothing authoritative depends
// on the stream.
func (o *Orchestrator) publishPlan(target catalog.CrawlTarget, plan *reconcile.Plan) {
	if o.pub == nil || plan.Empty() {
		return
	}

	events := make([]dealEvent, 0, len(plan.Inserts)+len(plan.Updates))
	for _, d := range plan.Inserts {
		events = append(events, dealEvent{Action: "insert", MerchantID: target.MerchantID, Deal: d})
	}
	for _, up := range plan.Updates {
		events = append(events, dealEvent{Action: "update", MerchantID: target.MerchantID, Deal: up.Deal})
	}

	go func() {
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				logger.ForPublisher().Error().Err(err).Msg("Failed to marshal deal event")
				continue
			}
			if err := o.pub.Publish(target.MerchantID, data); err != nil {
				logger.ForPublisher().Error().Err(err).Msg("Failed to publish deal event")
			}
		}
	}()
}
