package db

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"grade-publisher/internal/grading"
	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"
)

// MemoryRepository keeps everything in process. It backs the memory driver and tests.
type MemoryRepository struct {
	mu sync.RWMutex

	courses      map[int64]model.Course
	users        map[int64]model.User
	standards    map[int64]model.GradingStandard
	pseudonyms   []model.Pseudonym
	sections     map[int64]model.Section
	enrollments  map[int64]model.Enrollment
	groups       map[int64][]model.AssignmentGroup
	submissions  map[int64]map[int64]model.Submission
	periods      map[int64]model.GradingPeriodGroup
	scores       map[int64]map[string]model.Score
	settings     map[[2]int64]model.GradebookSettings
	exports      map[string]model.GradebookExport
	updateCounts map[int64]int
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		courses:      make(map[int64]model.Course),
		users:        make(map[int64]model.User),
		standards:    make(map[int64]model.GradingStandard),
		sections:     make(map[int64]model.Section),
		enrollments:  make(map[int64]model.Enrollment),
		groups:       make(map[int64][]model.AssignmentGroup),
		submissions:  make(map[int64]map[int64]model.Submission),
		periods:      make(map[int64]model.GradingPeriodGroup),
		scores:       make(map[int64]map[string]model.Score),
		settings:     make(map[[2]int64]model.GradebookSettings),
		exports:      make(map[string]model.GradebookExport),
		updateCounts: make(map[int64]int),
	}
}

// MemorySeed is the JSON fixture accepted by LoadSeed.
type MemorySeed struct {
	GradingStandards []model.GradingStandard `json:"grading_standards"`
	Courses          []model.Course          `json:"courses"`
	Users            []model.User            `json:"users"`
	Pseudonyms       []model.Pseudonym       `json:"pseudonyms"`
	Sections         []model.Section         `json:"sections"`
	Enrollments      []model.Enrollment      `json:"enrollments"`
	AssignmentGroups []model.AssignmentGroup `json:"assignment_groups"`
	Submissions      []model.Submission      `json:"submissions"`
	GradingPeriods   []struct {
		CourseID int64                    `json:"course_id"`
		Group    model.GradingPeriodGroup `json:"group"`
	} `json:"grading_periods"`
}

func (r *MemoryRepository) LoadSeed(src io.Reader) error {
	var seed MemorySeed
	if err := json.NewDecoder(src).Decode(&seed); err != nil {
		return fmt.Errorf("failed to decode seed: %w", err)
	}

	for _, s := range seed.GradingStandards {
		r.AddGradingStandard(s)
	}
	for _, c := range seed.Courses {
		r.AddCourse(c)
	}
	for _, u := range seed.Users {
		r.AddUser(u)
	}
	for _, p := range seed.Pseudonyms {
		r.AddPseudonym(p)
	}
	for _, s := range seed.Sections {
		r.AddSection(s)
	}
	for _, e := range seed.Enrollments {
		r.AddEnrollment(e)
	}
	for _, g := range seed.AssignmentGroups {
		r.AddAssignmentGroup(g)
	}
	for _, s := range seed.Submissions {
		r.AddSubmission(s)
	}
	for _, p := range seed.GradingPeriods {
		r.SetGradingPeriods(p.CourseID, p.Group)
	}
	return nil
}

func (r *MemoryRepository) AddCourse(c model.Course) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.courses[c.ID] = c
}

func (r *MemoryRepository) AddUser(u model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
}

func (r *MemoryRepository) AddGradingStandard(s model.GradingStandard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standards[s.ID] = s
}

func (r *MemoryRepository) AddPseudonym(p model.Pseudonym) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pseudonyms = append(r.pseudonyms, p)
}

func (r *MemoryRepository) AddSection(s model.Section) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sections[s.ID] = s
}

func (r *MemoryRepository) AddEnrollment(e model.Enrollment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.PublishingStatus == "" {
		e.PublishingStatus = model.PublishingUnpublished
	}
	r.enrollments[e.ID] = e
}

func (r *MemoryRepository) AddAssignmentGroup(g model.AssignmentGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[g.CourseID] = append(r.groups[g.CourseID], g)
}

func (r *MemoryRepository) AddSubmission(s model.Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submissions[s.UserID] == nil {
		r.submissions[s.UserID] = make(map[int64]model.Submission)
	}
	r.submissions[s.UserID][s.AssignmentID] = s
}

func (r *MemoryRepository) SetGradingPeriods(courseID int64, group model.GradingPeriodGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.periods[courseID] = group
}

func (r *MemoryRepository) SetGradebookSettings(userID, courseID int64, s model.GradebookSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[[2]int64{userID, courseID}] = s
}

// SetOverrideScore sets the hand-entered course override for an enrollment.
func (r *MemoryRepository) SetOverrideScore(enrollmentID int64, override *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(model.ScopeCourse)
	if r.scores[enrollmentID] == nil {
		r.scores[enrollmentID] = make(map[string]model.Score)
	}
	s, ok := r.scores[enrollmentID][key]
	if !ok {
		s = model.Score{EnrollmentID: enrollmentID, Scope: model.ScopeCourse}
	}
	s.OverrideScore = override
	r.scores[enrollmentID][key] = s
}

// Enrollment returns a copy of the stored enrollment.
func (r *MemoryRepository) Enrollment(id int64) (model.Enrollment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enrollments[id]
	return e, ok
}

// StatusUpdates counts publishing status writes per enrollment.
func (r *MemoryRepository) StatusUpdates(id int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updateCounts[id]
}

func (r *MemoryRepository) GetCourse(ctx context.Context, courseID int64) (*model.Course, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.courses[courseID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errors.ErrCourseNotFound, courseID)
	}
	return &c, nil
}

func (r *MemoryRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", errors.ErrUserNotFound, userID)
	}
	return &u, nil
}

func (r *MemoryRepository) GetGradingStandard(ctx context.Context, course model.Course) (*model.GradingStandard, error) {
	if course.GradingStandardID == nil {
		return nil, nil
	}
	r.mu.RLock()
	s, ok := r.standards[*course.GradingStandardID]
	r.mu.RUnlock()
	if !ok {
		return grading.DefaultGradingStandard(), nil
	}
	if err := grading.ValidateStandard(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *MemoryRepository) GetPublishingPseudonym(ctx context.Context, userID, accountID int64) (*model.Pseudonym, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pseudonyms {
		if p.UserID == userID && p.AccountID == accountID && p.SISUserID != nil {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) GetSISPseudonyms(ctx context.Context, accountID int64, userIDs []int64) (map[int64][]model.Pseudonym, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pseudonymsLocked(accountID, userIDs, true), nil
}

func (r *MemoryRepository) pseudonymsLocked(accountID int64, userIDs []int64, sisOnly bool) map[int64][]model.Pseudonym {
	wanted := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = true
	}

	result := make(map[int64][]model.Pseudonym)
	for _, p := range r.pseudonyms {
		if p.AccountID != accountID || !wanted[p.UserID] {
			continue
		}
		if sisOnly && p.SISUserID == nil {
			continue
		}
		result[p.UserID] = append(result[p.UserID], p)
	}
	return result
}

func (r *MemoryRepository) GetSections(ctx context.Context, courseID int64) (map[int64]model.Section, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sections := make(map[int64]model.Section)
	for id, s := range r.sections {
		if s.CourseID == courseID {
			sections[id] = s
		}
	}
	return sections, nil
}

// sortedEnrollmentsLocked returns matching enrollments ordered by id.
func (r *MemoryRepository) sortedEnrollmentsLocked(match func(model.Enrollment) bool) []model.Enrollment {
	var result []model.Enrollment
	for _, e := range r.enrollments {
		if match(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func publishableMatch(courseID int64, userID *int64) func(model.Enrollment) bool {
	return func(e model.Enrollment) bool {
		if e.CourseID != courseID || !e.Publishable() {
			return false
		}
		return userID == nil || e.UserID == *userID
	}
}

func (r *MemoryRepository) GetPublishableEnrollments(ctx context.Context, courseID int64, userID *int64) ([]model.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedEnrollmentsLocked(publishableMatch(courseID, userID)), nil
}

func (r *MemoryRepository) GetStudentEnrollments(ctx context.Context, courseID int64) ([]model.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedEnrollmentsLocked(func(e model.Enrollment) bool {
		return e.CourseID == courseID && e.Type == model.StudentEnrollment && e.WorkflowState != model.WorkflowDeleted
	}), nil
}

func (r *MemoryRepository) ClaimForPublishing(ctx context.Context, courseID int64, userID *int64, attemptAt time.Time) ([]model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := r.sortedEnrollmentsLocked(publishableMatch(courseID, userID))
	for i := range claimed {
		at := attemptAt
		claimed[i].PublishingStatus = model.PublishingPending
		claimed[i].PublishingMessage = nil
		claimed[i].LastPublishAttemptAt = &at
		r.enrollments[claimed[i].ID] = claimed[i]
		r.updateCounts[claimed[i].ID]++
	}
	return claimed, nil
}

func (r *MemoryRepository) UpdatePublishingStatus(ctx context.Context, enrollmentIDs []int64, status model.PublishingStatus, message *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range enrollmentIDs {
		e, ok := r.enrollments[id]
		if !ok {
			continue
		}
		e.PublishingStatus = status
		e.PublishingMessage = nil
		if message != nil {
			m := *message
			e.PublishingMessage = &m
		}
		r.enrollments[id] = e
		r.updateCounts[id]++
	}
	return nil
}

func (r *MemoryRepository) ExpirePendingPublishing(ctx context.Context, courseID int64, cutoff time.Time, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, e := range r.enrollments {
		if e.CourseID != courseID || !e.PublishingStatus.InFlight() {
			continue
		}
		if e.LastPublishAttemptAt == nil || e.LastPublishAttemptAt.After(cutoff) {
			continue
		}
		m := message
		e.PublishingStatus = model.PublishingError
		e.PublishingMessage = &m
		r.enrollments[id] = e
		r.updateCounts[id]++
		n++
	}
	return n, nil
}

func (r *MemoryRepository) ConfirmPublishing(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[int64]bool, len(enrollmentIDs))
	for _, id := range enrollmentIDs {
		wanted[id] = true
	}

	var n int64
	for id, e := range r.enrollments {
		if e.CourseID != courseID || e.PublishingStatus != model.PublishingPublishing {
			continue
		}
		if len(wanted) > 0 && !wanted[id] {
			continue
		}
		e.PublishingStatus = model.PublishingPublished
		e.PublishingMessage = nil
		r.enrollments[id] = e
		r.updateCounts[id]++
		n++
	}
	return n, nil
}

func (r *MemoryRepository) GetGradebookSettings(ctx context.Context, userID, courseID int64) (*model.GradebookSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.settings[[2]int64{userID, courseID}]
	return &s, nil
}

func (r *MemoryRepository) LoadGradebook(ctx context.Context, courseID int64, filter RosterFilter) (*model.Gradebook, error) {
	course, err := r.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	sections, err := r.GetSections(ctx, courseID)
	if err != nil {
		return nil, err
	}
	standard, err := r.GetGradingStandard(ctx, *course)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[model.WorkflowState]bool)
	for _, s := range filter.states() {
		states[s] = true
	}
	users := make(map[int64]bool, len(filter.UserIDs))
	for _, id := range filter.UserIDs {
		users[id] = true
	}

	enrollments := r.sortedEnrollmentsLocked(func(e model.Enrollment) bool {
		if e.CourseID != courseID || !states[e.WorkflowState] {
			return false
		}
		if e.Type != model.StudentEnrollment && e.Type != model.StudentViewEnrollment {
			return false
		}
		return len(users) == 0 || users[e.UserID]
	})

	var students []model.Student
	index := make(map[int64]int)
	for _, e := range enrollments {
		i, ok := index[e.UserID]
		if !ok {
			i = len(students)
			index[e.UserID] = i
			students = append(students, model.Student{User: r.users[e.UserID]})
		}
		students[i].Enrollments = append(students[i].Enrollments, e)
	}
	sort.SliceStable(students, func(i, j int) bool {
		if students[i].User.SortableName != students[j].User.SortableName {
			return students[i].User.SortableName < students[j].User.SortableName
		}
		return students[i].User.ID < students[j].User.ID
	})

	userIDs := make([]int64, len(students))
	for i, s := range students {
		userIDs[i] = s.User.ID
	}
	pseudonyms := r.pseudonymsLocked(course.RootAccountID, userIDs, false)

	book := &model.Gradebook{
		Course:           *course,
		Sections:         sections,
		Students:         students,
		AssignmentGroups: r.copyGroupsLocked(courseID),
		Submissions:      make(map[int64]map[int64]model.Submission),
		GradingStandard:  standard,
		Scores:           make(map[int64][]model.Score),
	}

	for i := range book.Students {
		uid := book.Students[i].User.ID
		book.Students[i].Pseudonyms = pseudonyms[uid]
		if subs := r.submissions[uid]; subs != nil {
			copied := make(map[int64]model.Submission, len(subs))
			for k, v := range subs {
				copied[k] = v
			}
			book.Submissions[uid] = copied
		}
		for _, e := range book.Students[i].Enrollments {
			for _, s := range r.scores[e.ID] {
				book.Scores[e.ID] = append(book.Scores[e.ID], s)
			}
		}
	}

	if group, ok := r.periods[courseID]; ok {
		g := group
		g.Periods = append([]model.GradingPeriod(nil), group.Periods...)
		book.GradingPeriods = &g
	}

	return book, nil
}

func (r *MemoryRepository) copyGroupsLocked(courseID int64) []model.AssignmentGroup {
	groups := make([]model.AssignmentGroup, len(r.groups[courseID]))
	for i, g := range r.groups[courseID] {
		groups[i] = g
		groups[i].Assignments = append([]model.Assignment(nil), g.Assignments...)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Position != groups[j].Position {
			return groups[i].Position < groups[j].Position
		}
		return groups[i].ID < groups[j].ID
	})
	return groups
}

func (r *MemoryRepository) GetCourseScores(ctx context.Context, enrollmentIDs []int64) (map[int64]model.Score, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[int64]model.Score)
	for _, id := range enrollmentIDs {
		if s, ok := r.scores[id][string(model.ScopeCourse)]; ok {
			result[id] = s
		}
	}
	return result, nil
}

func (r *MemoryRepository) SaveScores(ctx context.Context, scores []model.Score) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	for _, s := range scores {
		key := ScopeKey(s)
		if r.scores[s.EnrollmentID] == nil {
			r.scores[s.EnrollmentID] = make(map[string]model.Score)
		}
		if existing, ok := r.scores[s.EnrollmentID][key]; ok {
			s.OverrideScore = existing.OverrideScore
		} else {
			s.OverrideScore = nil
		}
		s.UpdatedAt = now
		r.scores[s.EnrollmentID][key] = s
	}
	return nil
}

func (r *MemoryRepository) CreateExport(ctx context.Context, export *model.GradebookExport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.exports[export.ID]; exists {
		return fmt.Errorf("gradebook export %s already exists", export.ID)
	}
	r.exports[export.ID] = *export
	return nil
}

func (r *MemoryRepository) GetExport(ctx context.Context, exportID string) (*model.GradebookExport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exports[exportID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrExportNotFound, exportID)
	}
	return &e, nil
}

func (r *MemoryRepository) UpdateExportStatus(ctx context.Context, exportID string, status model.ExportStatus, storageKey, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.exports[exportID]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrExportNotFound, exportID)
	}
	e.Status = status
	if storageKey != nil {
		e.StorageKey = storageKey
	}
	e.ErrorMessage = errorMessage
	e.UpdatedAt = time.Now().UTC()
	r.exports[exportID] = e
	return nil
}
