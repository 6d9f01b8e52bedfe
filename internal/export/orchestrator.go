package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/db"
	"grade-publisher/internal/gradebook"
	"grade-publisher/internal/grading"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"
	"grade-publisher/internal/publishing"
	"grade-publisher/internal/storage"
	"grade-publisher/pkg/errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Dispatcher queues background gradebook exports.
type Dispatcher interface {
	EnqueueExport(ctx context.Context, job model.ExportJob) error
}

// Orchestrator ties roster loading, scoring, formatting and publishing together.
// It keeps no state between calls; every invocation loads its own gradebook snapshot.
type Orchestrator struct {
	cfg        *config.Config
	repo       db.Repository
	machine    *publishing.Machine
	storage    storage.Storage
	dispatcher Dispatcher
	aggregator *grading.Aggregator
	now        func() time.Time
	log        zerolog.Logger
}

func NewOrchestrator(
	cfg *config.Config,
	repo db.Repository,
	machine *publishing.Machine,
	store storage.Storage,
	dispatcher Dispatcher,
) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		repo:       repo,
		machine:    machine,
		storage:    store,
		dispatcher: dispatcher,
		aggregator: grading.NewAggregator(),
		now:        time.Now,
		log:        logger.Get(),
	}
	if machine != nil {
		machine.SetPrepare(o.prepareScores)
	}
	return o
}

// NewMachine builds the publishing state machine with the formats this service ships.
func NewMachine(cfg *config.Config, repo db.Repository, poster publishing.Poster, dispatcher publishing.Dispatcher) *publishing.Machine {
	registry := publishing.NewRegistry(publishing.NewInstructureCSV(repo))
	return publishing.NewMachine(publishing.SettingsFromConfig(cfg.Publishing), repo, registry, poster, dispatcher)
}

type CSVOptions struct {
	IncludeSIS bool
}

func (o *Orchestrator) ExportCSV(ctx context.Context, courseID, requesterID int64, opts CSVOptions) ([]byte, error) {
	return o.Render(ctx, courseID, requesterID, model.ExportCSV, opts)
}

func (o *Orchestrator) ExportXLSX(ctx context.Context, courseID, requesterID int64, opts CSVOptions) ([]byte, error) {
	return o.Render(ctx, courseID, requesterID, model.ExportXLSX, opts)
}

// Render builds the gradebook for the requester's roster preferences. Nothing is
// returned unless the whole file rendered.
func (o *Orchestrator) Render(ctx context.Context, courseID, requesterID int64, format model.ExportFormat, opts CSVOptions) ([]byte, error) {
	renderer, err := gradebook.NewRenderer(format)
	if err != nil {
		return nil, err
	}

	settings, err := o.repo.GetGradebookSettings(ctx, requesterID, courseID)
	if err != nil {
		return nil, err
	}

	book, err := o.repo.LoadGradebook(ctx, courseID, db.RosterFilter{
		IncludeConcluded: settings.ShowConcludedEnrollments,
		IncludeInactive:  settings.ShowInactiveEnrollments,
	})
	if err != nil {
		return nil, err
	}

	excludeTotal := grading.HideTotals(book.GradingPeriods, true)
	results, err := o.computeResults(book, excludeTotal)
	if err != nil {
		return nil, err
	}

	formatter := gradebook.NewFormatter(book, results, gradebook.Options{
		IncludeSIS:      opts.IncludeSIS,
		ExcludeTotal:    excludeTotal,
		OverridesActive: book.Course.FinalGradeOverridesActive(),
	})

	var buf bytes.Buffer
	if err := renderer.Render(&buf, formatter.Rows()); err != nil {
		return nil, err
	}

	o.log.Info().
		Int64("course_id", courseID).
		Int64("requester_id", requesterID).
		Str("format", string(renderer.Format())).
		Int("students", len(formatter.Students())).
		Msg("Gradebook rendered")

	return buf.Bytes(), nil
}

// computeResults scores every student in the snapshot, test students included.
func (o *Orchestrator) computeResults(book *model.Gradebook, excludeTotal bool) (map[int64]*grading.Result, error) {
	results := make(map[int64]*grading.Result, len(book.Students))
	for _, s := range book.Students {
		res, err := o.aggregator.Compute(grading.Input{
			UserID:       s.User.ID,
			Groups:       book.AssignmentGroups,
			Submissions:  book.SubmissionsFor(s.User.ID),
			Weighting:    book.Course.GroupWeightingScheme,
			Periods:      book.GradingPeriods,
			ExcludeTotal: excludeTotal,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to score user %d: %w", s.User.ID, err)
		}
		results[s.User.ID] = res
	}
	return results, nil
}

// RecomputeScores recalculates and stores score rows for the course, or for the
// given users only. Test students are never persisted. Stored overrides are kept.
func (o *Orchestrator) RecomputeScores(ctx context.Context, courseID int64, userIDs []int64) (int, error) {
	book, err := o.repo.LoadGradebook(ctx, courseID, db.RosterFilter{
		IncludeConcluded: true,
		IncludeInactive:  true,
		UserIDs:          userIDs,
	})
	if err != nil {
		return 0, err
	}

	results, err := o.computeResults(book, false)
	if err != nil {
		return 0, err
	}

	var (
		scores []model.Score
		scored int
	)
	for _, s := range book.Students {
		if s.IsTestStudent() {
			continue
		}
		res := results[s.User.ID]
		for _, e := range s.Enrollments {
			if e.IsTestStudent() {
				continue
			}
			scores = append(scores, res.Scores(e.ID)...)
		}
		scored++
	}

	if err := o.repo.SaveScores(ctx, scores); err != nil {
		return 0, fmt.Errorf("failed to save scores: %w", err)
	}

	o.log.Debug().Int64("course_id", courseID).Int("students", scored).Int("rows", len(scores)).Msg("Scores recomputed")
	return scored, nil
}

func (o *Orchestrator) prepareScores(ctx context.Context, course model.Course, enrollments []model.Enrollment) error {
	if len(enrollments) == 0 {
		return nil
	}

	seen := make(map[int64]bool, len(enrollments))
	userIDs := make([]int64, 0, len(enrollments))
	for _, e := range enrollments {
		if !seen[e.UserID] {
			seen[e.UserID] = true
			userIDs = append(userIDs, e.UserID)
		}
	}

	_, err := o.RecomputeScores(ctx, course.ID, userIDs)
	return err
}

// Publish queues final grades for the course, or for one student when targetUserID is set.
func (o *Orchestrator) Publish(ctx context.Context, courseID, publishingUserID int64, targetUserID *int64) error {
	course, err := o.repo.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	return o.machine.PublishFinalGrades(ctx, *course, publishingUserID, targetUserID)
}

// SendFinalGrades is the worker side of Publish.
func (o *Orchestrator) SendFinalGrades(ctx context.Context, job model.PublishJob) error {
	return o.machine.Send(ctx, job)
}

func (o *Orchestrator) ExpirePending(ctx context.Context, courseID int64, cutoff time.Time) (int64, error) {
	return o.machine.ExpirePending(ctx, courseID, cutoff)
}

func (o *Orchestrator) ConfirmPublished(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error) {
	if _, err := o.repo.GetCourse(ctx, courseID); err != nil {
		return 0, err
	}
	return o.machine.ConfirmPublished(ctx, courseID, enrollmentIDs)
}

func (o *Orchestrator) PublishingStatuses(ctx context.Context, courseID int64) (map[string][]model.Enrollment, model.PublishingStatus, error) {
	if _, err := o.repo.GetCourse(ctx, courseID); err != nil {
		return nil, "", err
	}
	return o.machine.Statuses(ctx, courseID)
}

// CreateExport records a queued export and hands it to the export worker.
func (o *Orchestrator) CreateExport(ctx context.Context, courseID, requesterID int64, format model.ExportFormat, includeSIS bool) (*model.GradebookExport, error) {
	if format == "" {
		format = model.ExportCSV
	}
	if _, err := gradebook.NewRenderer(format); err != nil {
		return nil, err
	}
	if _, err := o.repo.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	export := &model.GradebookExport{
		ID:        uuid.NewString(),
		CourseID:  courseID,
		UserID:    requesterID,
		Format:    format,
		Status:    model.ExportQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.repo.CreateExport(ctx, export); err != nil {
		return nil, fmt.Errorf("failed to create export: %w", err)
	}

	job := model.ExportJob{
		ExportID:    export.ID,
		CourseID:    courseID,
		RequesterID: requesterID,
		Format:      format,
		IncludeSIS:  includeSIS,
	}
	if err := o.dispatcher.EnqueueExport(ctx, job); err != nil {
		o.fail(ctx, export.ID, err)
		return nil, fmt.Errorf("failed to enqueue export: %w", err)
	}

	o.log.Info().Str("export_id", export.ID).Int64("course_id", courseID).Str("format", string(format)).Msg("Gradebook export queued")
	return export, nil
}

// RunExport renders and stores one queued export. A failure leaves the record FAILED
// with the error message and no attachment.
func (o *Orchestrator) RunExport(ctx context.Context, job model.ExportJob) error {
	log := o.log.With().Str("export_id", job.ExportID).Int64("course_id", job.CourseID).Logger()

	if err := o.repo.UpdateExportStatus(ctx, job.ExportID, model.ExportRunning, nil, nil); err != nil {
		return err
	}

	data, err := o.Render(ctx, job.CourseID, job.RequesterID, job.Format, CSVOptions{IncludeSIS: job.IncludeSIS})
	if err != nil {
		log.Error().Err(err).Msg("Failed to render gradebook export")
		o.fail(ctx, job.ExportID, err)
		return err
	}

	key := o.storageKey(job)
	if err := o.storage.Upload(ctx, key, data, job.Format.ContentType()); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to upload gradebook export")
		o.fail(ctx, job.ExportID, err)
		return err
	}

	if err := o.repo.UpdateExportStatus(ctx, job.ExportID, model.ExportCompleted, &key, nil); err != nil {
		return err
	}

	log.Info().Str("key", key).Int("bytes", len(data)).Msg("Gradebook export completed")
	return nil
}

func (o *Orchestrator) storageKey(job model.ExportJob) string {
	return path.Join(
		o.cfg.Storage.ExportPrefix,
		strconv.FormatInt(job.CourseID, 10),
		job.ExportID+"."+job.Format.Extension(),
	)
}

func (o *Orchestrator) fail(ctx context.Context, exportID string, cause error) {
	message := cause.Error()
	if err := o.repo.UpdateExportStatus(ctx, exportID, model.ExportFailed, nil, &message); err != nil {
		o.log.Error().Err(err).Str("export_id", exportID).Msg("Failed to mark export as failed")
	}
}

func (o *Orchestrator) GetExport(ctx context.Context, exportID string) (*model.GradebookExport, error) {
	return o.repo.GetExport(ctx, exportID)
}

// OpenExport streams the attachment of a completed export. The caller closes the reader.
func (o *Orchestrator) OpenExport(ctx context.Context, exportID string) (*model.GradebookExport, io.ReadCloser, error) {
	export, err := o.repo.GetExport(ctx, exportID)
	if err != nil {
		return nil, nil, err
	}
	if export.Status != model.ExportCompleted || export.StorageKey == nil {
		return export, nil, fmt.Errorf("%w: %s is %s", errors.ErrExportNotReady, exportID, export.Status)
	}

	body, err := o.storage.Download(ctx, *export.StorageKey)
	if err != nil {
		return export, nil, err
	}
	return export, body, nil
}
