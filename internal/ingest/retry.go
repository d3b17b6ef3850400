package ingest

import (
	"context"
	"math/rand/v2"
	"time"

	"sjsage522/dealingester/logger"
	apperr "sjsage522/dealingester/pkg/errors"
)

// withRetry runs fn with bounded attempts and exponential backoff plus
// jitter. Only retryable errors (render timeouts, retryable extraction
// service failures) get another attempt; everything else escalates
// immediately.
func (o *Orchestrator) withRetry(ctx context.Context, stage string, fn func() error) error {
	backoff := o.cfg.RetryBaseBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var err error
	for attempt := 1; attempt <= o.cfg.RetryMaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !apperr.Retryable(err) || attempt == o.cfg.RetryMaxAttempts {
			return err
		}

		jitter := time.Duration(rand.Int64N(int64(backoff)/2 + 1))
		delay := backoff + jitter

		logger.ForOrchestrator().Warn().
			Str("stage", stage).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Retryable stage failure, backing off")

		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		backoff *= 2
	}
	return err
}
