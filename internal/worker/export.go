package worker

import (
	"context"
	"encoding/json"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"
	"grade-publisher/internal/queue"

	"github.com/rs/zerolog"
)

type ExportRunner interface {
	RunExport(ctx context.Context, job model.ExportJob) error
}

type ExportWorker struct {
	cfg        *config.Config
	runner     ExportRunner
	consumer   *queue.Consumer
	workerPool *WorkerPool
	log        zerolog.Logger
}

func NewExportWorker(cfg *config.Config, runner ExportRunner, consumer *queue.Consumer) *ExportWorker {
	return &ExportWorker{
		cfg:        cfg,
		runner:     runner,
		consumer:   consumer,
		workerPool: NewWorkerPool(cfg.Workers.Export.Count),
		log:        logger.Get(),
	}
}

func (w *ExportWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting export worker")

	w.workerPool.Start(ctx)

	return w.consumer.ConsumeExportQueue(ctx, w.handleMessage)
}

// Stop drains the pool. Call it after Start has returned so no message is still
// being handed over.
func (w *ExportWorker) Stop() {
	w.log.Info().Msg("Stopping export worker")
	w.workerPool.Stop()
}

func (w *ExportWorker) handleMessage(ctx context.Context, data []byte) error {
	var job model.ExportJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.log.Error().Err(err).Msg("Failed to unmarshal export job")
		return err
	}

	w.log.Info().
		Str("export_id", job.ExportID).
		Int64("course_id", job.CourseID).
		Str("format", string(job.Format)).
		Msg("Processing export job")

	// The export record carries the failure; nothing goes to the DLQ after submit.
	// The message is already off the queue; hand it over even when shutdown has started.
	return w.workerPool.Submit(context.WithoutCancel(ctx), Job{
		Name: "export:" + job.ExportID,
		Run: func(ctx context.Context) error {
			return w.runner.RunExport(ctx, job)
		},
	})
}
