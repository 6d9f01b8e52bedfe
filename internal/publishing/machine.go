package publishing

import (
	"context"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/rs/zerolog"
)

const expiredMessage = "expired"

// Store is the persistence the state machine needs. Status writes must set status,
// message and timestamp in one statement per enrollment.
type Store interface {
	GetCourse(ctx context.Context, courseID int64) (*model.Course, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetGradingStandard(ctx context.Context, course model.Course) (*model.GradingStandard, error)
	GetPublishingPseudonym(ctx context.Context, userID, accountID int64) (*model.Pseudonym, error)
	GetPublishableEnrollments(ctx context.Context, courseID int64, userID *int64) ([]model.Enrollment, error)
	GetStudentEnrollments(ctx context.Context, courseID int64) ([]model.Enrollment, error)
	ClaimForPublishing(ctx context.Context, courseID int64, userID *int64, attemptAt time.Time) ([]model.Enrollment, error)
	UpdatePublishingStatus(ctx context.Context, enrollmentIDs []int64, status model.PublishingStatus, message *string) error
	ExpirePendingPublishing(ctx context.Context, courseID int64, cutoff time.Time, message string) (int64, error)
	ConfirmPublishing(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error)
}

// Poster delivers one batch to the SIS endpoint.
type Poster interface {
	Post(ctx context.Context, endpoint string, payload []byte, mimeType string, headers map[string]string) error
}

// Dispatcher moves work off the request path.
type Dispatcher interface {
	EnqueuePublish(ctx context.Context, job model.PublishJob) error
	ScheduleExpiry(ctx context.Context, job model.ExpireJob, runAt time.Time) error
}

// PrepareFunc runs before batches are generated, typically to refresh stored scores.
type PrepareFunc func(ctx context.Context, course model.Course, enrollments []model.Enrollment) error

type Settings struct {
	Enabled                    bool
	FormatType                 string
	PublishEndpoint            string
	SuccessTimeout             time.Duration
	WaitForSuccess             bool
	PostTimeout                time.Duration
	IncludeFinalGradeOverrides bool
}

func SettingsFromConfig(cfg config.PublishingConfig) Settings {
	return Settings{
		Enabled:                    cfg.Enabled,
		FormatType:                 cfg.FormatType,
		PublishEndpoint:            cfg.PublishEndpoint,
		SuccessTimeout:             time.Duration(cfg.SuccessTimeoutSeconds) * time.Second,
		WaitForSuccess:             cfg.WaitForSuccess,
		PostTimeout:                cfg.PostTimeout,
		IncludeFinalGradeOverrides: cfg.IncludeFinalGradeOverrides,
	}
}

// timeoutKicksOff reports whether successful posts wait in "publishing" for an
// expiry task instead of going straight to "published".
func (s Settings) timeoutKicksOff() bool {
	return s.SuccessTimeout > 0 && s.WaitForSuccess
}

// Machine drives enrollment publishing statuses through a publish cycle.
type Machine struct {
	settings   Settings
	store      Store
	registry   *Registry
	poster     Poster
	dispatcher Dispatcher
	prepare    PrepareFunc
	now        func() time.Time
	log        zerolog.Logger
}

func NewMachine(settings Settings, store Store, registry *Registry, poster Poster, dispatcher Dispatcher) *Machine {
	return &Machine{
		settings:   settings,
		store:      store,
		registry:   registry,
		poster:     poster,
		dispatcher: dispatcher,
		now:        time.Now,
		log:        logger.Get(),
	}
}

// SetPrepare installs a hook that runs in Send before generation. A failure there is
// handled like a generator failure.
func (m *Machine) SetPrepare(fn PrepareFunc) {
	m.prepare = fn
}

func (m *Machine) Settings() Settings {
	return m.settings
}

type validated struct {
	format    ExportFormat
	user      model.User
	pseudonym *model.Pseudonym
}

// validate checks the setup in order and returns the first configuration error.
func (m *Machine) validate(ctx context.Context, course model.Course, publishingUserID int64) (*validated, error) {
	if !m.settings.Enabled {
		return nil, errors.ErrPublishingDisabled
	}
	if m.settings.PublishEndpoint == "" {
		return nil, errors.ErrEndpointUndefined
	}

	format, ok := m.registry.Lookup(m.settings.FormatType)
	if !ok {
		return nil, errors.UnknownFormatError(m.settings.FormatType)
	}
	if format.RequiresGradingStandard() && !course.GradingStandardEnabled() {
		return nil, errors.ErrGradingStandardRequired
	}

	user, err := m.store.GetUser(ctx, publishingUserID)
	if err != nil {
		if errors.Is(err, errors.ErrUserNotFound) {
			return nil, errors.ErrPublisherDisallowed
		}
		return nil, err
	}

	pseudonym, err := m.store.GetPublishingPseudonym(ctx, user.ID, course.RootAccountID)
	if err != nil {
		return nil, err
	}
	if format.RequiresPublishingPseudonym() && (pseudonym == nil || !pseudonym.HasSISID()) {
		return nil, errors.ErrPublisherDisallowed
	}

	return &validated{format: format, user: *user, pseudonym: pseudonym}, nil
}

// failSetup marks every publishable enrollment in scope as errored with the
// configuration message and hands the error back.
func (m *Machine) failSetup(ctx context.Context, courseID int64, targetUserID *int64, cause error) error {
	enrollments, err := m.store.GetPublishableEnrollments(ctx, courseID, targetUserID)
	if err != nil {
		m.log.Error().Err(err).Int64("course_id", courseID).Msg("Failed to load enrollments for error marking")
		return cause
	}

	message := cause.Error()
	if err := m.store.UpdatePublishingStatus(ctx, enrollmentIDs(enrollments), model.PublishingError, &message); err != nil {
		m.log.Error().Err(err).Int64("course_id", courseID).Msg("Failed to mark enrollments as errored")
	}
	return cause
}

// PublishFinalGrades validates the setup, moves the active roster to pending and
// queues the send. It never talks to the SIS itself.
func (m *Machine) PublishFinalGrades(ctx context.Context, course model.Course, publishingUserID int64, targetUserID *int64) error {
	log := m.log.With().Int64("course_id", course.ID).Int64("publishing_user_id", publishingUserID).Logger()

	if _, err := m.validate(ctx, course, publishingUserID); err != nil {
		if errors.IsConfigurationError(err) {
			log.Warn().Err(err).Msg("Grade publishing setup invalid")
			return m.failSetup(ctx, course.ID, targetUserID, err)
		}
		return err
	}

	attemptAt := m.now().UTC()
	claimed, err := m.store.ClaimForPublishing(ctx, course.ID, targetUserID, attemptAt)
	if err != nil {
		log.Error().Err(err).Msg("Failed to move enrollments to pending")
		return err
	}

	job := model.PublishJob{
		CourseID:         course.ID,
		PublishingUserID: publishingUserID,
		TargetUserID:     targetUserID,
		AttemptAt:        attemptAt,
	}
	if err := m.dispatcher.EnqueuePublish(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue publish job")
		message := err.Error()
		if markErr := m.store.UpdatePublishingStatus(ctx, enrollmentIDs(claimed), model.PublishingError, &message); markErr != nil {
			log.Error().Err(markErr).Msg("Failed to mark enrollments as errored")
		}
		return err
	}

	if m.settings.timeoutKicksOff() {
		expire := model.ExpireJob{CourseID: course.ID, Cutoff: attemptAt}
		if err := m.dispatcher.ScheduleExpiry(ctx, expire, attemptAt.Add(m.settings.SuccessTimeout)); err != nil {
			log.Error().Err(err).Msg("Failed to schedule publishing expiry")
			return err
		}
	}

	log.Info().Int("enrollments", len(claimed)).Msg("Final grades queued for publishing")
	return nil
}

// Send generates batches and posts them in order. A failed batch marks only its own
// enrollments; the first failure is returned after every batch was attempted.
func (m *Machine) Send(ctx context.Context, job model.PublishJob) error {
	log := m.log.With().Int64("course_id", job.CourseID).Logger()

	course, err := m.store.GetCourse(ctx, job.CourseID)
	if err != nil {
		return err
	}

	v, err := m.validate(ctx, *course, job.PublishingUserID)
	if err != nil {
		if errors.IsConfigurationError(err) {
			return m.failSetup(ctx, course.ID, job.TargetUserID, err)
		}
		return err
	}

	enrollments, err := m.store.GetPublishableEnrollments(ctx, course.ID, job.TargetUserID)
	if err != nil {
		return err
	}
	ids := enrollmentIDs(enrollments)

	batches, err := m.generate(ctx, *course, enrollments, v)
	if err != nil {
		log.Error().Err(err).Str("format", v.format.Name()).Msg("Failed to generate grade batches")
		message := err.Error()
		if markErr := m.store.UpdatePublishingStatus(ctx, ids, model.PublishingError, &message); markErr != nil {
			return markErr
		}
		return errors.GeneratorError{Format: v.format.Name(), Err: err}
	}

	successStatus := model.PublishingPublished
	if m.settings.timeoutKicksOff() {
		successStatus = model.PublishingPublishing
	}

	var firstErr error
	included := make(map[int64]bool, len(ids))

	for i, batch := range batches {
		blog := log.With().Int("batch", i).Int("enrollments", len(batch.EnrollmentIDs)).Logger()
		for _, id := range batch.EnrollmentIDs {
			included[id] = true
		}

		if batch.Payload == nil {
			blog.Debug().Msg("Batch has nothing to send")
			if err := m.store.UpdatePublishingStatus(ctx, batch.EnrollmentIDs, model.PublishingUnpublishable, nil); err != nil {
				return err
			}
			continue
		}

		if err := m.post(ctx, batch); err != nil {
			blog.Error().Err(err).Msg("Failed to post grade batch")
			message := err.Error()
			if markErr := m.store.UpdatePublishingStatus(ctx, batch.EnrollmentIDs, model.PublishingError, &message); markErr != nil {
				return markErr
			}
			if firstErr == nil {
				firstErr = errors.TransportError{EnrollmentIDs: batch.EnrollmentIDs, Err: err}
			}
			continue
		}

		blog.Debug().Str("status", string(successStatus)).Msg("Grade batch posted")
		if err := m.store.UpdatePublishingStatus(ctx, batch.EnrollmentIDs, successStatus, nil); err != nil {
			return err
		}
	}

	var leftover []int64
	for _, id := range ids {
		if !included[id] {
			leftover = append(leftover, id)
		}
	}
	if len(leftover) > 0 {
		if err := m.store.UpdatePublishingStatus(ctx, leftover, model.PublishingUnpublishable, nil); err != nil {
			return err
		}
	}

	log.Info().
		Int("batches", len(batches)).
		Int("unpublishable", len(leftover)).
		Bool("has_errors", firstErr != nil).
		Msg("Grade publishing finished")

	return firstErr
}

func (m *Machine) generate(ctx context.Context, course model.Course, enrollments []model.Enrollment, v *validated) ([]Batch, error) {
	if m.prepare != nil {
		if err := m.prepare(ctx, course, enrollments); err != nil {
			return nil, err
		}
	}

	var standard *model.GradingStandard
	if course.GradingStandardEnabled() {
		s, err := m.store.GetGradingStandard(ctx, course)
		if err != nil {
			return nil, err
		}
		standard = s
	}

	return v.format.Generate(ctx, GenerateInput{
		Course:                     course,
		Enrollments:                enrollments,
		PublishingUser:             v.user,
		PublishingPseudonym:        v.pseudonym,
		GradingStandard:            standard,
		IncludeFinalGradeOverrides: m.settings.IncludeFinalGradeOverrides,
	})
}

func (m *Machine) post(ctx context.Context, batch Batch) error {
	if m.settings.PostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.settings.PostTimeout)
		defer cancel()
	}

	headers := batch.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return m.poster.Post(ctx, m.settings.PublishEndpoint, batch.Payload, batch.MimeType, headers)
}

// ExpirePending errors out enrollments still pending or publishing whose attempt is
// at or before cutoff. Running it twice with the same cutoff changes nothing more.
func (m *Machine) ExpirePending(ctx context.Context, courseID int64, cutoff time.Time) (int64, error) {
	n, err := m.store.ExpirePendingPublishing(ctx, courseID, cutoff, expiredMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warn().Int64("course_id", courseID).Int64("expired", n).Time("cutoff", cutoff).Msg("Expired stuck grade publishing statuses")
	}
	return n, nil
}

// ConfirmPublished records the SIS acknowledgement for enrollments left in publishing
// by wait_for_success. An empty list confirms every publishing enrollment of the
// course. Enrollments already expired to error stay in error.
func (m *Machine) ConfirmPublished(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error) {
	n, err := m.store.ConfirmPublishing(ctx, courseID, enrollmentIDs)
	if err != nil {
		return 0, err
	}
	m.log.Info().Int64("course_id", courseID).Int64("confirmed", n).Msg("Grade publishing confirmed")
	return n, nil
}

// Statuses groups the roster by translated status and reports the overall status.
func (m *Machine) Statuses(ctx context.Context, courseID int64) (map[string][]model.Enrollment, model.PublishingStatus, error) {
	enrollments, err := m.store.GetStudentEnrollments(ctx, courseID)
	if err != nil {
		return nil, "", err
	}
	return GroupByMessage(enrollments), OverallStatus(enrollments), nil
}

func enrollmentIDs(enrollments []model.Enrollment) []int64 {
	ids := make([]int64, len(enrollments))
	for i, e := range enrollments {
		ids[i] = e.ID
	}
	return ids
}
