package worker

import (
	"context"
	"time"

	"sjsage522/dealingester/helpers"
	"sjsage522/dealingester/internal/ingest"
	"sjsage522/dealingester/services/publisher"
)

// Ingester runs one batch over all enabled targets.
type Ingester interface {
	IngestAll(ctx context.Context, force bool) (*ingest.BatchReport, error)
}

// Worker drives the ingest pipeline on an interval
type Worker struct {
	ctx      context.Context
	ingester Ingester
	pub      publisher.Publisher
	logger   helpers.LoggerInterface
	interval time.Duration
	force    bool
	runOnce  bool
}

// NewWorker creates a new worker
func NewWorker(
	ctx context.Context,
	ingester Ingester,
	pub publisher.Publisher,
	logger helpers.LoggerInterface,
	interval time.Duration,
	force bool,
	runOnce bool,
) *Worker {
	return &Worker{
		ctx:      ctx,
		ingester: ingester,
		pub:      pub,
		logger:   logger,
		interval: interval,
		force:    force,
		runOnce:  runOnce,
	}
}

// Start starts the worker process. It returns after one batch in run-once
// mode, otherwise when the context is cancelled.
func (w *Worker) Start() error {
	for {
		if err := w.runBatch(); err != nil {
			w.logger.LogError("worker", err)
		}

		if w.runOnce {
			return nil
		}

		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// runBatch runs one batch and trims the event streams afterwards
func (w *Worker) runBatch() error {
	start := time.Now()

	report, err := w.ingester.IngestAll(w.ctx, w.force)
	if err != nil {
		return err
	}

	w.logger.LogInfo("batch done: targets=%d failed=%d inserted=%d updated=%d expired=%d skipped=%d elapsed=%s",
		report.Targets, report.Failed,
		report.Totals.Inserted, report.Totals.Updated, report.Totals.Expired,
		report.Totals.SkippedUnchanged, time.Since(start))

	if w.pub != nil {
		if err := w.pub.TrimStreams(); err != nil {
			w.logger.LogError("stream_trimming", err)
		}
	}

	return nil
}
