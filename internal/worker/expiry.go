package worker

import (
	"context"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"

	"github.com/rs/zerolog"
)

type ExpirySource interface {
	ClaimDueExpiries(ctx context.Context, now time.Time) ([]model.ExpireJob, error)
}

type Expirer interface {
	ExpirePending(ctx context.Context, courseID int64, cutoff time.Time) (int64, error)
}

// ExpiryWorker drains due publishing timeouts on a fixed interval.
type ExpiryWorker struct {
	source   ExpirySource
	expirer  Expirer
	interval time.Duration
	ticker   *time.Ticker
	now      func() time.Time
	log      zerolog.Logger
}

func NewExpiryWorker(cfg *config.Config, source ExpirySource, expirer Expirer) *ExpiryWorker {
	return &ExpiryWorker{
		source:   source,
		expirer:  expirer,
		interval: cfg.Publishing.ExpiryPollInterval,
		now:      time.Now,
		log:      logger.Get(),
	}
}

func (w *ExpiryWorker) Start(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting expiry worker")

	w.ticker = time.NewTicker(w.interval)
	defer w.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Expiry worker context cancelled")
			return ctx.Err()
		case <-w.ticker.C:
			if err := w.runDue(ctx); err != nil {
				w.log.Error().Err(err).Msg("Expiry run failed")
			}
		}
	}
}

func (w *ExpiryWorker) Stop() {
	w.log.Info().Msg("Stopping expiry worker")
	if w.ticker != nil {
		w.ticker.Stop()
	}
}

func (w *ExpiryWorker) runDue(ctx context.Context) error {
	jobs, err := w.source.ClaimDueExpiries(ctx, w.now())
	if err != nil {
		return err
	}

	var firstErr error
	for _, job := range jobs {
		n, err := w.expirer.ExpirePending(ctx, job.CourseID, job.Cutoff)
		if err != nil {
			w.log.Error().Err(err).Int64("course_id", job.CourseID).Msg("Failed to expire publishing statuses")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.log.Debug().Int64("course_id", job.CourseID).Int64("expired", n).Msg("Expiry job done")
	}

	return firstErr
}
