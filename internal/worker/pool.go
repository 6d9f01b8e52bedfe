package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"grade-publisher/internal/logger"

	"github.com/rs/zerolog"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Job is one unit of background work. Name only feeds the logs.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// WorkerPool runs jobs on a fixed number of goroutines fed by a bounded queue.
// Every accepted job runs, even after shutdown has been signalled.
type WorkerPool struct {
	workerCount int
	jobs        chan Job
	quit        chan struct{}
	mu          sync.RWMutex
	stopped     bool
	wg          sync.WaitGroup
	stopOnce    sync.Once
	log         zerolog.Logger
}

func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		jobs:        make(chan Job, workerCount*2),
		quit:        make(chan struct{}),
		log:         logger.Get(),
	}
}

// Start launches the workers. Jobs get ctx's values but not its cancellation, so a
// post already handed to the pool finishes.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.log.Info().Int("worker_count", wp.workerCount).Msg("Starting worker pool")

	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.run(runCtx, i)
	}
}

// Stop rejects new jobs, then waits until every queued job has run.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.log.Info().Msg("Stopping worker pool")

		// Release submitters blocked on a full queue before taking the write lock.
		close(wp.quit)

		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobs)
		wp.mu.Unlock()

		wp.wg.Wait()
		wp.log.Info().Msg("Worker pool stopped")
	})
}

// Submit blocks until the queue accepts the job, the pool stops or ctx is done. A
// dropped publish job would strand its enrollments in pending, so callers must
// handle the error.
func (wp *WorkerPool) Submit(ctx context.Context, job Job) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.jobs <- job:
		return nil
	case <-wp.quit:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wp *WorkerPool) run(ctx context.Context, id int) {
	defer wp.wg.Done()

	log := wp.log.With().Int("worker_id", id).Logger()

	for job := range wp.jobs {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			log.Error().Err(err).Str("job", job.Name).Dur("took", time.Since(start)).Msg("Job failed")
			continue
		}
		log.Debug().Str("job", job.Name).Dur("took", time.Since(start)).Msg("Job done")
	}
}
