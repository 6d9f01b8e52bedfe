package worker

import (
	"context"
	"encoding/json"
	"strconv"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"
	"grade-publisher/internal/queue"

	"github.com/rs/zerolog"
)

// GradeSender is the publish side of the orchestrator.
type GradeSender interface {
	SendFinalGrades(ctx context.Context, job model.PublishJob) error
}

type PublishWorker struct {
	cfg        *config.Config
	sender     GradeSender
	consumer   *queue.Consumer
	workerPool *WorkerPool
	log        zerolog.Logger
}

func NewPublishWorker(cfg *config.Config, sender GradeSender, consumer *queue.Consumer) *PublishWorker {
	return &PublishWorker{
		cfg:        cfg,
		sender:     sender,
		consumer:   consumer,
		workerPool: NewWorkerPool(cfg.Workers.Publish.Count),
		log:        logger.Get(),
	}
}

func (w *PublishWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting publish worker")

	// Start worker pool
	w.workerPool.Start(ctx)

	// Start consuming messages
	return w.consumer.ConsumePublishQueue(ctx, w.handleMessage)
}

// Stop drains the pool. Call it after Start has returned so no message is still
// being handed over.
func (w *PublishWorker) Stop() {
	w.log.Info().Msg("Stopping publish worker")
	w.workerPool.Stop()
}

func (w *PublishWorker) handleMessage(ctx context.Context, data []byte) error {
	var job model.PublishJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.log.Error().Err(err).Msg("Failed to unmarshal publish job")
		return err
	}

	log := w.log.With().Int64("course_id", job.CourseID).Int64("publishing_user_id", job.PublishingUserID).Logger()
	log.Info().Time("attempt_at", job.AttemptAt).Msg("Processing publish job")

	// Failures are recorded on the enrollments; the SIS is not retried automatically.
	// The message is already off the queue; hand it over even when shutdown has started.
	return w.workerPool.Submit(context.WithoutCancel(ctx), Job{
		Name: "publish:" + strconv.FormatInt(job.CourseID, 10),
		Run: func(ctx context.Context) error {
			if err := w.sender.SendFinalGrades(ctx, job); err != nil {
				log.Warn().Err(err).Msg("Grade publishing finished with errors")
				return err
			}
			return nil
		},
	})
}
