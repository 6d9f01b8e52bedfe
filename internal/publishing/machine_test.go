package publishing

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"grade-publisher/internal/db"
	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	courseID    int64 = 1
	accountID   int64 = 100
	publisherID int64 = 50
	endpoint          = "https://sis.example.edu/grades"
)

func str(v string) *string { return &v }
func i64(v int64) *int64   { return &v }

type fakeFormat struct {
	name            string
	needsStandard   bool
	needsPseudonym  bool
	generate        func(in GenerateInput) ([]Batch, error)
	lastInput       GenerateInput
	generateInvoked int
}

func (f *fakeFormat) Name() string                      { return f.name }
func (f *fakeFormat) RequiresGradingStandard() bool     { return f.needsStandard }
func (f *fakeFormat) RequiresPublishingPseudonym() bool { return f.needsPseudonym }

func (f *fakeFormat) Generate(ctx context.Context, in GenerateInput) ([]Batch, error) {
	f.lastInput = in
	f.generateInvoked++
	if f.generate != nil {
		return f.generate(in)
	}
	return []Batch{{EnrollmentIDs: enrollmentIDs(in.Enrollments), Payload: []byte("grades"), MimeType: "text/csv"}}, nil
}

type postCall struct {
	endpoint string
	payload  []byte
	mimeType string
	headers  map[string]string
}

type fakePoster struct {
	mu    sync.Mutex
	calls []postCall
	fail  map[string]error
}

func (p *fakePoster) Post(ctx context.Context, endpoint string, payload []byte, mimeType string, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, postCall{endpoint: endpoint, payload: payload, mimeType: mimeType, headers: headers})
	if err, ok := p.fail[string(payload)]; ok {
		return err
	}
	return nil
}

type scheduledExpiry struct {
	job   model.ExpireJob
	runAt time.Time
}

type fakeDispatcher struct {
	mu         sync.Mutex
	published  []model.PublishJob
	expiries   []scheduledExpiry
	enqueueErr error
}

func (d *fakeDispatcher) EnqueuePublish(ctx context.Context, job model.PublishJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enqueueErr != nil {
		return d.enqueueErr
	}
	d.published = append(d.published, job)
	return nil
}

func (d *fakeDispatcher) ScheduleExpiry(ctx context.Context, job model.ExpireJob, runAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expiries = append(d.expiries, scheduledExpiry{job: job, runAt: runAt})
	return nil
}

type harness struct {
	repo       *db.MemoryRepository
	format     *fakeFormat
	poster     *fakePoster
	dispatcher *fakeDispatcher
	machine    *Machine
	course     model.Course
	now        time.Time
}

func defaultSettings() Settings {
	return Settings{
		Enabled:         true,
		FormatType:      "test_format",
		PublishEndpoint: endpoint,
		PostTimeout:     time.Second,
	}
}

// newHarness seeds a course whose nine enrollments start in the given statuses.
// Enrollment 7 is inactive.
func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()

	repo := db.NewMemoryRepository()
	course := model.Course{ID: courseID, Name: "Biology", RootAccountID: accountID, GradingStandardID: i64(0)}
	repo.AddCourse(course)
	repo.AddUser(model.User{ID: publisherID, Name: "Teacher", SortableName: "Teacher"})
	repo.AddPseudonym(model.Pseudonym{ID: 1, UserID: publisherID, AccountID: accountID, UniqueID: "teacher", SISUserID: str("T-50")})
	repo.AddSection(model.Section{ID: 11, CourseID: courseID, Name: "Section A"})

	statuses := []model.PublishingStatus{
		model.PublishingPublished, model.PublishingError, model.PublishingUnpublishable,
		model.PublishingError, model.PublishingUnpublishable, model.PublishingUnpublishable,
		model.PublishingUnpublished, model.PublishingUnpublished, model.PublishingUnpublished,
	}
	for i, status := range statuses {
		id := int64(i + 1)
		state := model.WorkflowActive
		if id == 7 {
			state = model.WorkflowInactive
		}
		repo.AddUser(model.User{ID: id, Name: fmt.Sprintf("Student %d", id), SortableName: fmt.Sprintf("Student %d", id)})
		repo.AddEnrollment(model.Enrollment{
			ID: id, UserID: id, CourseID: courseID, SectionID: 11,
			Type: model.StudentEnrollment, WorkflowState: state, PublishingStatus: status,
		})
	}

	format := &fakeFormat{name: "test_format"}
	poster := &fakePoster{fail: map[string]error{}}
	dispatcher := &fakeDispatcher{}
	machine := NewMachine(settings, repo, NewRegistry(format), poster, dispatcher)

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	machine.now = func() time.Time { return now }

	return &harness{
		repo: repo, format: format, poster: poster, dispatcher: dispatcher,
		machine: machine, course: course, now: now,
	}
}

func (h *harness) status(t *testing.T, id int64) model.Enrollment {
	t.Helper()
	e, ok := h.repo.Enrollment(id)
	require.True(t, ok)
	return e
}

func (h *harness) job() model.PublishJob {
	return model.PublishJob{CourseID: courseID, PublishingUserID: publisherID, AttemptAt: h.now}
}

func TestPublishFinalGradesMovesActiveRosterToPending(t *testing.T) {
	h := newHarness(t, defaultSettings())

	err := h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil)
	require.NoError(t, err)

	for id := int64(1); id <= 9; id++ {
		e := h.status(t, id)
		if id == 7 {
			assert.Equal(t, model.PublishingUnpublished, e.PublishingStatus, "inactive enrollment %d", id)
			assert.Nil(t, e.LastPublishAttemptAt)
			continue
		}
		assert.Equal(t, model.PublishingPending, e.PublishingStatus, "enrollment %d", id)
		assert.Nil(t, e.PublishingMessage)
		require.NotNil(t, e.LastPublishAttemptAt)
		assert.True(t, h.now.Equal(*e.LastPublishAttemptAt))
	}

	require.Len(t, h.dispatcher.published, 1)
	assert.Equal(t, courseID, h.dispatcher.published[0].CourseID)
	assert.Empty(t, h.poster.calls, "publishing must not post on the request path")
	assert.Empty(t, h.dispatcher.expiries)
}

func TestPublishFinalGradesTargetUser(t *testing.T) {
	h := newHarness(t, defaultSettings())

	err := h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, i64(8))
	require.NoError(t, err)

	assert.Equal(t, model.PublishingPending, h.status(t, 8).PublishingStatus)
	assert.Equal(t, model.PublishingUnpublished, h.status(t, 9).PublishingStatus)
	assert.Equal(t, model.PublishingPublished, h.status(t, 1).PublishingStatus)
	require.Len(t, h.dispatcher.published, 1)
	assert.Equal(t, i64(8), h.dispatcher.published[0].TargetUserID)
}

func TestPublishFinalGradesConfigurationErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness, s *Settings)
		wantErr error
	}{
		{
			name:    "disabled",
			setup:   func(h *harness, s *Settings) { s.Enabled = false },
			wantErr: errors.ErrPublishingDisabled,
		},
		{
			name:    "missing endpoint",
			setup:   func(h *harness, s *Settings) { s.PublishEndpoint = "" },
			wantErr: errors.ErrEndpointUndefined,
		},
		{
			name:    "unknown format",
			setup:   func(h *harness, s *Settings) { s.FormatType = "carrier_pigeon" },
			wantErr: errors.UnknownFormatError("carrier_pigeon"),
		},
		{
			name: "missing grading standard",
			setup: func(h *harness, s *Settings) {
				h.format.needsStandard = true
				h.course.GradingStandardID = nil
			},
			wantErr: errors.ErrGradingStandardRequired,
		},
		{
			name: "publisher without sis login",
			setup: func(h *harness, s *Settings) {
				h.format.needsPseudonym = true
				h.course.RootAccountID = 999
			},
			wantErr: errors.ErrPublisherDisallowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultSettings())
			settings := defaultSettings()
			tt.setup(h, &settings)
			h.machine.settings = settings

			err := h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, errors.IsConfigurationError(err))

			for id := int64(1); id <= 9; id++ {
				e := h.status(t, id)
				if id == 7 {
					assert.Equal(t, model.PublishingUnpublished, e.PublishingStatus)
					continue
				}
				assert.Equal(t, model.PublishingError, e.PublishingStatus, "enrollment %d", id)
				require.NotNil(t, e.PublishingMessage)
				assert.Equal(t, tt.wantErr.Error(), *e.PublishingMessage)
			}
			assert.Empty(t, h.dispatcher.published)
		})
	}
}

func TestPublishFinalGradesUnknownPublishingUser(t *testing.T) {
	h := newHarness(t, defaultSettings())

	err := h.machine.PublishFinalGrades(context.Background(), h.course, 4242, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPublisherDisallowed))
	assert.Equal(t, model.PublishingError, h.status(t, 8).PublishingStatus)
}

func TestPublishFinalGradesEnqueueFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.dispatcher.enqueueErr = fmt.Errorf("redis unavailable")

	err := h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil)
	require.Error(t, err)

	e := h.status(t, 8)
	assert.Equal(t, model.PublishingError, e.PublishingStatus)
	require.NotNil(t, e.PublishingMessage)
	assert.Equal(t, "redis unavailable", *e.PublishingMessage)
}

func TestPublishFinalGradesSchedulesExpiry(t *testing.T) {
	settings := defaultSettings()
	settings.SuccessTimeout = 10 * time.Minute
	settings.WaitForSuccess = true
	h := newHarness(t, settings)

	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))

	require.Len(t, h.dispatcher.expiries, 1)
	assert.Equal(t, courseID, h.dispatcher.expiries[0].job.CourseID)
	assert.True(t, h.now.Equal(h.dispatcher.expiries[0].job.Cutoff))
	assert.True(t, h.now.Add(10*time.Minute).Equal(h.dispatcher.expiries[0].runAt))

	require.NoError(t, h.machine.Send(context.Background(), h.job()))
	assert.Equal(t, model.PublishingPublishing, h.status(t, 8).PublishingStatus)
}

func TestConfirmPublishedCompletesWaitForSuccess(t *testing.T) {
	settings := defaultSettings()
	settings.SuccessTimeout = 10 * time.Minute
	settings.WaitForSuccess = true
	h := newHarness(t, settings)
	ctx := context.Background()

	require.NoError(t, h.machine.PublishFinalGrades(ctx, h.course, publisherID, nil))
	require.NoError(t, h.machine.Send(ctx, h.job()))

	n, err := h.machine.ConfirmPublished(ctx, courseID, []int64{8, 7, 404})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only enrollments still publishing are confirmed")
	assert.Equal(t, model.PublishingPublished, h.status(t, 8).PublishingStatus)
	assert.Nil(t, h.status(t, 8).PublishingMessage)
	assert.Equal(t, model.PublishingUnpublished, h.status(t, 7).PublishingStatus)
	assert.Equal(t, model.PublishingPublishing, h.status(t, 9).PublishingStatus)

	expired, err := h.machine.ExpirePending(ctx, courseID, h.now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), expired)
	assert.Equal(t, model.PublishingPublished, h.status(t, 8).PublishingStatus)
	assert.Equal(t, model.PublishingError, h.status(t, 9).PublishingStatus)

	n, err = h.machine.ConfirmPublished(ctx, courseID, nil)
	require.NoError(t, err)
	assert.Zero(t, n, "expired enrollments stay in error")
	assert.Equal(t, model.PublishingError, h.status(t, 9).PublishingStatus)
}

func TestConfirmPublishedWholeCourse(t *testing.T) {
	settings := defaultSettings()
	settings.SuccessTimeout = 10 * time.Minute
	settings.WaitForSuccess = true
	h := newHarness(t, settings)
	ctx := context.Background()

	require.NoError(t, h.machine.PublishFinalGrades(ctx, h.course, publisherID, nil))
	require.NoError(t, h.machine.Send(ctx, h.job()))

	n, err := h.machine.ConfirmPublished(ctx, courseID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
	for id := int64(1); id <= 9; id++ {
		if id == 7 {
			continue
		}
		assert.Equal(t, model.PublishingPublished, h.status(t, id).PublishingStatus, "enrollment %d", id)
	}

	grouped, _, err := h.machine.Statuses(ctx, courseID)
	require.NoError(t, err)
	assert.NotContains(t, grouped, TranslateStatus(model.PublishingPublishing, nil))
}

func TestSendPublishesEveryBatch(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))

	require.NoError(t, h.machine.Send(context.Background(), h.job()))

	for id := int64(1); id <= 9; id++ {
		want := model.PublishingPublished
		if id == 7 {
			want = model.PublishingUnpublished
		}
		assert.Equal(t, want, h.status(t, id).PublishingStatus, "enrollment %d", id)
	}

	require.Len(t, h.poster.calls, 1)
	call := h.poster.calls[0]
	assert.Equal(t, endpoint, call.endpoint)
	assert.Equal(t, "text/csv", call.mimeType)
	assert.NotNil(t, call.headers)
	assert.Equal(t, "Teacher", h.format.lastInput.PublishingUser.Name)
	require.NotNil(t, h.format.lastInput.PublishingPseudonym)
	assert.Equal(t, "T-50", *h.format.lastInput.PublishingPseudonym.SISUserID)
	require.NotNil(t, h.format.lastInput.GradingStandard)
}

func TestSendPartialFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.format.generate = func(in GenerateInput) ([]Batch, error) {
		return []Batch{
			{EnrollmentIDs: []int64{1, 2, 3}, Payload: []byte("batch-1"), MimeType: "text/csv"},
			{EnrollmentIDs: []int64{4, 5, 6}, Payload: []byte("batch-2"), MimeType: "text/csv"},
			{EnrollmentIDs: []int64{8, 9}, Payload: []byte("batch-3"), MimeType: "text/csv"},
		}, nil
	}
	h.poster.fail["batch-2"] = fmt.Errorf("sis returned 503")

	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))
	err := h.machine.Send(context.Background(), h.job())

	require.Error(t, err)
	assert.Equal(t, "sis returned 503", err.Error())
	var transport errors.TransportError
	require.True(t, errors.As(err, &transport))
	assert.Equal(t, []int64{4, 5, 6}, transport.EnrollmentIDs)

	require.Len(t, h.poster.calls, 3)
	assert.Equal(t, "batch-1", string(h.poster.calls[0].payload))
	assert.Equal(t, "batch-3", string(h.poster.calls[2].payload))

	for _, id := range []int64{1, 2, 3, 8, 9} {
		assert.Equal(t, model.PublishingPublished, h.status(t, id).PublishingStatus, "enrollment %d", id)
	}
	for _, id := range []int64{4, 5, 6} {
		e := h.status(t, id)
		assert.Equal(t, model.PublishingError, e.PublishingStatus, "enrollment %d", id)
		require.NotNil(t, e.PublishingMessage)
		assert.Equal(t, "sis returned 503", *e.PublishingMessage)
	}
}

func TestSendGeneratorFailure(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.format.generate = func(in GenerateInput) ([]Batch, error) {
		return nil, fmt.Errorf("roster export broke")
	}

	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))
	err := h.machine.Send(context.Background(), h.job())

	require.Error(t, err)
	var genErr errors.GeneratorError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, "test_format", genErr.Format)
	assert.Empty(t, h.poster.calls)

	for id := int64(1); id <= 9; id++ {
		e := h.status(t, id)
		if id == 7 {
			assert.Equal(t, model.PublishingUnpublished, e.PublishingStatus)
			continue
		}
		assert.Equal(t, model.PublishingError, e.PublishingStatus)
		require.NotNil(t, e.PublishingMessage)
		assert.Equal(t, "roster export broke", *e.PublishingMessage)
	}
}

func TestSendPrepareFailureIsGeneratorError(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.machine.SetPrepare(func(ctx context.Context, course model.Course, enrollments []model.Enrollment) error {
		return fmt.Errorf("%w: negative points", errors.ErrInvalidScore)
	})

	err := h.machine.Send(context.Background(), h.job())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidScore))
	assert.Equal(t, 0, h.format.generateInvoked)
	assert.Equal(t, model.PublishingError, h.status(t, 8).PublishingStatus)
}

func TestSendUnpublishableBatchesAndLeftovers(t *testing.T) {
	h := newHarness(t, defaultSettings())
	h.format.generate = func(in GenerateInput) ([]Batch, error) {
		return []Batch{
			{EnrollmentIDs: []int64{1, 2}, Payload: []byte("scored"), MimeType: "application/json", Headers: map[string]string{"X-Batch": "1"}},
			{EnrollmentIDs: []int64{3}, Payload: nil},
		}, nil
	}

	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))
	require.NoError(t, h.machine.Send(context.Background(), h.job()))

	require.Len(t, h.poster.calls, 1)
	assert.Equal(t, "application/json", h.poster.calls[0].mimeType)
	assert.Equal(t, map[string]string{"X-Batch": "1"}, h.poster.calls[0].headers)

	assert.Equal(t, model.PublishingPublished, h.status(t, 1).PublishingStatus)
	assert.Equal(t, model.PublishingPublished, h.status(t, 2).PublishingStatus)
	for _, id := range []int64{3, 4, 5, 6, 8, 9} {
		e := h.status(t, id)
		assert.Equal(t, model.PublishingUnpublishable, e.PublishingStatus, "enrollment %d", id)
		assert.Nil(t, e.PublishingMessage)
	}
	assert.Equal(t, model.PublishingUnpublished, h.status(t, 7).PublishingStatus)
}

func TestSendRevalidatesSetup(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))

	h.machine.settings.PublishEndpoint = ""
	err := h.machine.Send(context.Background(), h.job())

	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrEndpointUndefined))
	assert.Empty(t, h.poster.calls)
	e := h.status(t, 8)
	assert.Equal(t, model.PublishingError, e.PublishingStatus)
	assert.Equal(t, "endpoint undefined", *e.PublishingMessage)
}

func TestExpirePendingIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultSettings())
	require.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))

	before, err := h.machine.ExpirePending(context.Background(), courseID, h.now.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, before)
	assert.Equal(t, model.PublishingPending, h.status(t, 8).PublishingStatus)

	n, err := h.machine.ExpirePending(context.Background(), courseID, h.now)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	snapshot := make(map[int64]model.Enrollment)
	for id := int64(1); id <= 9; id++ {
		snapshot[id] = h.status(t, id)
	}

	again, err := h.machine.ExpirePending(context.Background(), courseID, h.now)
	require.NoError(t, err)
	assert.Zero(t, again)

	for id := int64(1); id <= 9; id++ {
		assert.Equal(t, snapshot[id], h.status(t, id), "enrollment %d", id)
	}

	e := h.status(t, 8)
	assert.Equal(t, model.PublishingError, e.PublishingStatus)
	assert.Equal(t, "expired", *e.PublishingMessage)
	assert.Equal(t, model.PublishingUnpublished, h.status(t, 7).PublishingStatus)
}

func TestConcurrentPublishKeepsStatusesConsistent(t *testing.T) {
	h := newHarness(t, defaultSettings())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.machine.PublishFinalGrades(context.Background(), h.course, publisherID, nil))
		}()
	}
	wg.Wait()

	assert.Len(t, h.dispatcher.published, 8)
	for id := int64(1); id <= 9; id++ {
		e := h.status(t, id)
		if id == 7 {
			assert.Equal(t, model.PublishingUnpublished, e.PublishingStatus)
			continue
		}
		assert.Equal(t, model.PublishingPending, e.PublishingStatus)
		assert.Nil(t, e.PublishingMessage)
	}
}

func TestStatuses(t *testing.T) {
	h := newHarness(t, defaultSettings())

	grouped, overall, err := h.machine.Statuses(context.Background(), courseID)
	require.NoError(t, err)

	assert.Equal(t, model.PublishingError, overall)
	assert.Len(t, grouped["Synced"], 1)
	assert.Len(t, grouped["Error"], 2)
	assert.Len(t, grouped["Unsyncable"], 3)
	assert.Len(t, grouped["Not Synced"], 3)
}

func TestSendPayloadBytesArePassedThrough(t *testing.T) {
	h := newHarness(t, defaultSettings())
	payload := bytes.Repeat([]byte{0xff, 0x00}, 4)
	h.format.generate = func(in GenerateInput) ([]Batch, error) {
		return []Batch{{EnrollmentIDs: enrollmentIDs(in.Enrollments), Payload: payload, MimeType: "application/octet-stream"}}, nil
	}

	require.NoError(t, h.machine.Send(context.Background(), h.job()))
	require.Len(t, h.poster.calls, 1)
	assert.Equal(t, payload, h.poster.calls[0].payload)
}
