package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"grade-publisher/internal/grading"
	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"
)

// RosterFilter selects which student enrollments a gradebook load includes.
// Active enrollments are always included; deleted ones never are.
type RosterFilter struct {
	IncludeConcluded bool
	IncludeInactive  bool
	UserIDs          []int64
}

func (f RosterFilter) states() []model.WorkflowState {
	states := []model.WorkflowState{model.WorkflowActive}
	if f.IncludeConcluded {
		states = append(states, model.WorkflowCompleted)
	}
	if f.IncludeInactive {
		states = append(states, model.WorkflowInactive)
	}
	return states
}

type Repository interface {
	GetCourse(ctx context.Context, courseID int64) (*model.Course, error)
	GetUser(ctx context.Context, userID int64) (*model.User, error)
	GetGradingStandard(ctx context.Context, course model.Course) (*model.GradingStandard, error)
	GetPublishingPseudonym(ctx context.Context, userID, accountID int64) (*model.Pseudonym, error)
	GetSISPseudonyms(ctx context.Context, accountID int64, userIDs []int64) (map[int64][]model.Pseudonym, error)
	GetSections(ctx context.Context, courseID int64) (map[int64]model.Section, error)

	GetPublishableEnrollments(ctx context.Context, courseID int64, userID *int64) ([]model.Enrollment, error)
	GetStudentEnrollments(ctx context.Context, courseID int64) ([]model.Enrollment, error)
	ClaimForPublishing(ctx context.Context, courseID int64, userID *int64, attemptAt time.Time) ([]model.Enrollment, error)
	UpdatePublishingStatus(ctx context.Context, enrollmentIDs []int64, status model.PublishingStatus, message *string) error
	ExpirePendingPublishing(ctx context.Context, courseID int64, cutoff time.Time, message string) (int64, error)
	ConfirmPublishing(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error)

	GetGradebookSettings(ctx context.Context, userID, courseID int64) (*model.GradebookSettings, error)
	LoadGradebook(ctx context.Context, courseID int64, filter RosterFilter) (*model.Gradebook, error)
	GetCourseScores(ctx context.Context, enrollmentIDs []int64) (map[int64]model.Score, error)
	SaveScores(ctx context.Context, scores []model.Score) error

	CreateExport(ctx context.Context, export *model.GradebookExport) error
	GetExport(ctx context.Context, exportID string) (*model.GradebookExport, error)
	UpdateExportStatus(ctx context.Context, exportID string, status model.ExportStatus, storageKey, errorMessage *string) error
}

type repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repository{db: db}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// inClause returns "?, ?, ?" for n arguments.
func inClause(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (r *repository) GetCourse(ctx context.Context, courseID int64) (*model.Course, error) {
	query := `SELECT id, name, sis_source_id, root_account_id, group_weighting_scheme, grading_standard_id,
			  allow_final_grade_override, final_grades_override_enabled, list_students_by_sortable_name,
			  include_integration_ids
			  FROM courses WHERE id = ?`

	var c model.Course
	err := r.db.QueryRowContext(ctx, query, courseID).Scan(
		&c.ID, &c.Name, &c.SISSourceID, &c.RootAccountID, &c.GroupWeightingScheme, &c.GradingStandardID,
		&c.AllowFinalGradeOverride, &c.FinalGradesOverrideFlag, &c.ListStudentsBySortable,
		&c.IncludeIntegrationIDs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", errors.ErrCourseNotFound, courseID)
		}
		return nil, err
	}

	return &c, nil
}

func (r *repository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	query := `SELECT id, name, sortable_name FROM users WHERE id = ?`

	var u model.User
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Name, &u.SortableName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", errors.ErrUserNotFound, userID)
		}
		return nil, err
	}

	return &u, nil
}

// GetGradingStandard returns nil when the course has none. Id 0 means the default scheme.
func (r *repository) GetGradingStandard(ctx context.Context, course model.Course) (*model.GradingStandard, error) {
	if course.GradingStandardID == nil {
		return nil, nil
	}
	if *course.GradingStandardID == 0 {
		return grading.DefaultGradingStandard(), nil
	}

	query := `SELECT id, title, data FROM grading_standards WHERE id = ?`

	var (
		standard model.GradingStandard
		data     []byte
	)
	err := r.db.QueryRowContext(ctx, query, *course.GradingStandardID).Scan(&standard.ID, &standard.Title, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return grading.DefaultGradingStandard(), nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, &standard.Scheme); err != nil {
		return nil, fmt.Errorf("failed to decode grading standard %d: %w", standard.ID, err)
	}
	if err := grading.ValidateStandard(&standard); err != nil {
		return nil, err
	}

	return &standard, nil
}

func scanPseudonym(s scanner) (model.Pseudonym, error) {
	var p model.Pseudonym
	err := s.Scan(&p.ID, &p.UserID, &p.AccountID, &p.UniqueID, &p.SISUserID, &p.IntegrationID)
	return p, err
}

const pseudonymColumns = `id, user_id, account_id, unique_id, sis_user_id, integration_id`

// GetPublishingPseudonym returns the first active SIS login of the user in the account, or nil.
func (r *repository) GetPublishingPseudonym(ctx context.Context, userID, accountID int64) (*model.Pseudonym, error) {
	query := `SELECT ` + pseudonymColumns + ` FROM pseudonyms
			  WHERE user_id = ? AND account_id = ? AND workflow_state = 'active' AND sis_user_id IS NOT NULL
			  ORDER BY id LIMIT 1`

	p, err := scanPseudonym(r.db.QueryRowContext(ctx, query, userID, accountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &p, nil
}

func (r *repository) GetSISPseudonyms(ctx context.Context, accountID int64, userIDs []int64) (map[int64][]model.Pseudonym, error) {
	return r.pseudonyms(ctx, accountID, userIDs, true)
}

func (r *repository) pseudonyms(ctx context.Context, accountID int64, userIDs []int64, sisOnly bool) (map[int64][]model.Pseudonym, error) {
	result := make(map[int64][]model.Pseudonym)
	if len(userIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + pseudonymColumns + ` FROM pseudonyms
			  WHERE account_id = ? AND workflow_state = 'active' AND user_id IN (` + inClause(len(userIDs)) + `)`
	if sisOnly {
		query += ` AND sis_user_id IS NOT NULL`
	}
	query += ` ORDER BY user_id, id`

	args := append([]interface{}{accountID}, int64Args(userIDs)...)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPseudonym(rows)
		if err != nil {
			return nil, err
		}
		result[p.UserID] = append(result[p.UserID], p)
	}

	return result, rows.Err()
}

func (r *repository) GetSections(ctx context.Context, courseID int64) (map[int64]model.Section, error) {
	query := `SELECT id, course_id, name, sis_source_id FROM course_sections WHERE course_id = ?`

	rows, err := r.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sections := make(map[int64]model.Section)
	for rows.Next() {
		var s model.Section
		if err := rows.Scan(&s.ID, &s.CourseID, &s.Name, &s.SISSourceID); err != nil {
			return nil, err
		}
		sections[s.ID] = s
	}

	return sections, rows.Err()
}

const enrollmentColumns = `e.id, e.user_id, e.course_id, e.course_section_id, e.type, e.workflow_state,
	e.grade_publishing_status, e.grade_publishing_message, e.last_publish_attempt_at`

func scanEnrollment(s scanner, extra ...interface{}) (model.Enrollment, error) {
	var e model.Enrollment
	dest := []interface{}{
		&e.ID, &e.UserID, &e.CourseID, &e.SectionID, &e.Type, &e.WorkflowState,
		&e.PublishingStatus, &e.PublishingMessage, &e.LastPublishAttemptAt,
	}
	err := s.Scan(append(dest, extra...)...)
	return e, err
}

func (r *repository) queryEnrollments(ctx context.Context, q queryer, query string, args ...interface{}) ([]model.Enrollment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []model.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, e)
	}

	return enrollments, rows.Err()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func publishableQuery(courseID int64, userID *int64) (string, []interface{}) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments e
			  WHERE e.course_id = ? AND e.workflow_state = 'active' AND e.type = 'StudentEnrollment'`
	args := []interface{}{courseID}
	if userID != nil {
		query += ` AND e.user_id = ?`
		args = append(args, *userID)
	}
	return query + ` ORDER BY e.id`, args
}

func (r *repository) GetPublishableEnrollments(ctx context.Context, courseID int64, userID *int64) ([]model.Enrollment, error) {
	query, args := publishableQuery(courseID, userID)
	return r.queryEnrollments(ctx, r.db, query, args...)
}

func (r *repository) GetStudentEnrollments(ctx context.Context, courseID int64) ([]model.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments e
			  WHERE e.course_id = ? AND e.workflow_state <> 'deleted' AND e.type = 'StudentEnrollment'
			  ORDER BY e.id`
	return r.queryEnrollments(ctx, r.db, query, courseID)
}

// ClaimForPublishing locks the publishable roster and moves it to pending in one
// transaction. Each row is updated only if its status and attempt time are still the
// ones read under the lock; rows that changed are left out of the result.
func (r *repository) ClaimForPublishing(ctx context.Context, courseID int64, userID *int64, attemptAt time.Time) ([]model.Enrollment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query, args := publishableQuery(courseID, userID)
	enrollments, err := r.queryEnrollments(ctx, tx, query+` FOR UPDATE`, args...)
	if err != nil {
		return nil, err
	}

	update := `UPDATE enrollments
			   SET grade_publishing_status = 'pending', grade_publishing_message = NULL,
			       last_publish_attempt_at = ?, updated_at = NOW(6)
			   WHERE id = ? AND grade_publishing_status = ? AND last_publish_attempt_at <=> ?`

	claimed := make([]model.Enrollment, 0, len(enrollments))
	for _, e := range enrollments {
		res, err := tx.ExecContext(ctx, update, attemptAt, e.ID, e.PublishingStatus, e.LastPublishAttemptAt)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		at := attemptAt
		e.PublishingStatus = model.PublishingPending
		e.PublishingMessage = nil
		e.LastPublishAttemptAt = &at
		claimed = append(claimed, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repository) UpdatePublishingStatus(ctx context.Context, enrollmentIDs []int64, status model.PublishingStatus, message *string) error {
	if len(enrollmentIDs) == 0 {
		return nil
	}

	query := `UPDATE enrollments SET grade_publishing_status = ?, grade_publishing_message = ?, updated_at = NOW(6)
			  WHERE id IN (` + inClause(len(enrollmentIDs)) + `)`

	args := append([]interface{}{status, message}, int64Args(enrollmentIDs)...)
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *repository) ExpirePendingPublishing(ctx context.Context, courseID int64, cutoff time.Time, message string) (int64, error) {
	query := `UPDATE enrollments SET grade_publishing_status = 'error', grade_publishing_message = ?, updated_at = NOW(6)
			  WHERE course_id = ? AND grade_publishing_status IN ('pending', 'publishing')
			  AND last_publish_attempt_at <= ?`

	res, err := r.db.ExecContext(ctx, query, message, courseID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConfirmPublishing moves publishing enrollments of the course to published. An
// empty id list confirms all of them. Other statuses are left alone.
func (r *repository) ConfirmPublishing(ctx context.Context, courseID int64, enrollmentIDs []int64) (int64, error) {
	query := `UPDATE enrollments SET grade_publishing_status = 'published', grade_publishing_message = NULL, updated_at = NOW(6)
			  WHERE course_id = ? AND grade_publishing_status = 'publishing'`
	args := []interface{}{courseID}
	if len(enrollmentIDs) > 0 {
		query += ` AND id IN (` + inClause(len(enrollmentIDs)) + `)`
		args = append(args, int64Args(enrollmentIDs)...)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *repository) GetGradebookSettings(ctx context.Context, userID, courseID int64) (*model.GradebookSettings, error) {
	query := `SELECT show_concluded_enrollments, show_inactive_enrollments
			  FROM gradebook_settings WHERE user_id = ? AND course_id = ?`

	var s model.GradebookSettings
	err := r.db.QueryRowContext(ctx, query, userID, courseID).Scan(&s.ShowConcludedEnrollments, &s.ShowInactiveEnrollments)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	return &s, nil
}

// LoadGradebook reads a complete snapshot of the course for scoring and export.
func (r *repository) LoadGradebook(ctx context.Context, courseID int64, filter RosterFilter) (*model.Gradebook, error) {
	course, err := r.GetCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}

	book := &model.Gradebook{Course: *course}

	if book.Sections, err = r.GetSections(ctx, courseID); err != nil {
		return nil, err
	}
	if book.Students, err = r.loadStudents(ctx, *course, filter); err != nil {
		return nil, err
	}
	if book.AssignmentGroups, err = r.loadAssignmentGroups(ctx, courseID); err != nil {
		return nil, err
	}

	userIDs := make([]int64, 0, len(book.Students))
	var enrollmentIDs []int64
	for _, s := range book.Students {
		userIDs = append(userIDs, s.User.ID)
		for _, e := range s.Enrollments {
			enrollmentIDs = append(enrollmentIDs, e.ID)
		}
	}

	if book.Submissions, err = r.loadSubmissions(ctx, courseID, userIDs); err != nil {
		return nil, err
	}
	if book.GradingPeriods, err = r.loadGradingPeriods(ctx, courseID); err != nil {
		return nil, err
	}
	if book.GradingStandard, err = r.GetGradingStandard(ctx, *course); err != nil {
		return nil, err
	}
	if book.Scores, err = r.loadScores(ctx, enrollmentIDs); err != nil {
		return nil, err
	}

	return book, nil
}

func (r *repository) loadStudents(ctx context.Context, course model.Course, filter RosterFilter) ([]model.Student, error) {
	states := filter.states()
	query := `SELECT ` + enrollmentColumns + `, u.name, u.sortable_name FROM enrollments e
			  JOIN users u ON u.id = e.user_id
			  WHERE e.course_id = ? AND e.type IN ('StudentEnrollment', 'StudentViewEnrollment')
			  AND e.workflow_state IN (` + inClause(len(states)) + `)`
	args := []interface{}{course.ID}
	for _, s := range states {
		args = append(args, s)
	}
	if len(filter.UserIDs) > 0 {
		query += ` AND e.user_id IN (` + inClause(len(filter.UserIDs)) + `)`
		args = append(args, int64Args(filter.UserIDs)...)
	}
	query += ` ORDER BY u.sortable_name, e.user_id, e.id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []model.Student
	index := make(map[int64]int)
	for rows.Next() {
		var name, sortable string
		e, err := scanEnrollment(rows, &name, &sortable)
		if err != nil {
			return nil, err
		}
		i, ok := index[e.UserID]
		if !ok {
			i = len(students)
			index[e.UserID] = i
			students = append(students, model.Student{User: model.User{ID: e.UserID, Name: name, SortableName: sortable}})
		}
		students[i].Enrollments = append(students[i].Enrollments, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	userIDs := make([]int64, len(students))
	for i, s := range students {
		userIDs[i] = s.User.ID
	}
	pseudonyms, err := r.pseudonyms(ctx, course.RootAccountID, userIDs, false)
	if err != nil {
		return nil, err
	}
	for i := range students {
		students[i].Pseudonyms = pseudonyms[students[i].User.ID]
	}

	return students, nil
}

func (r *repository) loadAssignmentGroups(ctx context.Context, courseID int64) ([]model.AssignmentGroup, error) {
	groupQuery := `SELECT id, course_id, name, position, group_weight FROM assignment_groups
				   WHERE course_id = ? AND workflow_state <> 'deleted' ORDER BY position, id`

	rows, err := r.db.QueryContext(ctx, groupQuery, courseID)
	if err != nil {
		return nil, err
	}
	var groups []model.AssignmentGroup
	index := make(map[int64]int)
	for rows.Next() {
		var g model.AssignmentGroup
		if err := rows.Scan(&g.ID, &g.CourseID, &g.Name, &g.Position, &g.GroupWeight); err != nil {
			rows.Close()
			return nil, err
		}
		index[g.ID] = len(groups)
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	visibilities, err := r.loadVisibilities(ctx, courseID)
	if err != nil {
		return nil, err
	}

	assignmentQuery := `SELECT id, course_id, assignment_group_id, title, position, points_possible, grading_type,
						omit_from_final_grade, only_visible_to_overrides, due_at, muted, published
						FROM assignments WHERE course_id = ? AND workflow_state <> 'deleted' ORDER BY position, id`

	rows, err = r.db.QueryContext(ctx, assignmentQuery, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a             model.Assignment
			onlyOverrides bool
		)
		err := rows.Scan(&a.ID, &a.CourseID, &a.AssignmentGroupID, &a.Title, &a.Position, &a.PointsPossible,
			&a.GradingType, &a.OmitFromFinalGrade, &onlyOverrides, &a.DueAt, &a.Muted, &a.Published)
		if err != nil {
			return nil, err
		}
		if onlyOverrides {
			a.VisibleTo = append([]int64{}, visibilities[a.ID]...)
		}
		if i, ok := index[a.AssignmentGroupID]; ok {
			groups[i].Assignments = append(groups[i].Assignments, a)
		}
	}

	return groups, rows.Err()
}

func (r *repository) loadVisibilities(ctx context.Context, courseID int64) (map[int64][]int64, error) {
	query := `SELECT v.assignment_id, v.user_id FROM assignment_student_visibilities v
			  JOIN assignments a ON a.id = v.assignment_id WHERE a.course_id = ?`

	rows, err := r.db.QueryContext(ctx, query, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	visible := make(map[int64][]int64)
	for rows.Next() {
		var assignmentID, userID int64
		if err := rows.Scan(&assignmentID, &userID); err != nil {
			return nil, err
		}
		visible[assignmentID] = append(visible[assignmentID], userID)
	}

	return visible, rows.Err()
}

func (r *repository) loadSubmissions(ctx context.Context, courseID int64, userIDs []int64) (map[int64]map[int64]model.Submission, error) {
	result := make(map[int64]map[int64]model.Submission)
	if len(userIDs) == 0 {
		return result, nil
	}

	query := `SELECT s.id, s.user_id, s.assignment_id, s.score, s.grade, s.excused, s.workflow_state,
			  s.posted_at IS NOT NULL, s.cached_due_date, s.grading_period_id
			  FROM submissions s JOIN assignments a ON a.id = s.assignment_id
			  WHERE a.course_id = ? AND s.user_id IN (` + inClause(len(userIDs)) + `)`

	args := append([]interface{}{courseID}, int64Args(userIDs)...)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s     model.Submission
			grade sql.NullString
		)
		err := rows.Scan(&s.ID, &s.UserID, &s.AssignmentID, &s.Score, &grade, &s.Excused, &s.WorkflowState,
			&s.Posted, &s.CachedDueDate, &s.GradingPeriodID)
		if err != nil {
			return nil, err
		}
		s.Grade = grade.String
		if result[s.UserID] == nil {
			result[s.UserID] = make(map[int64]model.Submission)
		}
		result[s.UserID][s.AssignmentID] = s
	}

	return result, rows.Err()
}

func (r *repository) loadGradingPeriods(ctx context.Context, courseID int64) (*model.GradingPeriodGroup, error) {
	groupQuery := `SELECT id, weighted, display_totals_for_all_grading_periods
				   FROM grading_period_groups WHERE course_id = ? ORDER BY id LIMIT 1`

	var group model.GradingPeriodGroup
	err := r.db.QueryRowContext(ctx, groupQuery, courseID).Scan(&group.ID, &group.Weighted, &group.DisplayTotalsForAllGradingPeriods)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	periodQuery := `SELECT id, grading_period_group_id, title, start_date, end_date, weight
					FROM grading_periods WHERE grading_period_group_id = ? ORDER BY start_date, id`

	rows, err := r.db.QueryContext(ctx, periodQuery, group.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p model.GradingPeriod
		if err := rows.Scan(&p.ID, &p.GroupID, &p.Title, &p.StartDate, &p.EndDate, &p.Weight); err != nil {
			return nil, err
		}
		group.Periods = append(group.Periods, p)
	}

	return &group, rows.Err()
}

const scoreColumns = `enrollment_id, scope, grading_period_id, assignment_group_id,
	current_score, unposted_current_score, final_score, unposted_final_score,
	current_points, unposted_current_points, final_points, unposted_final_points,
	override_score, updated_at`

func scanScore(s scanner) (model.Score, error) {
	var sc model.Score
	err := s.Scan(&sc.EnrollmentID, &sc.Scope, &sc.GradingPeriodID, &sc.AssignmentGroupID,
		&sc.CurrentScore, &sc.UnpostedCurrentScore, &sc.FinalScore, &sc.UnpostedFinalScore,
		&sc.CurrentPoints, &sc.UnpostedCurrentPoints, &sc.FinalPoints, &sc.UnpostedFinalPoints,
		&sc.OverrideScore, &sc.UpdatedAt)
	return sc, err
}

func (r *repository) loadScores(ctx context.Context, enrollmentIDs []int64) (map[int64][]model.Score, error) {
	result := make(map[int64][]model.Score)
	if len(enrollmentIDs) == 0 {
		return result, nil
	}

	query := `SELECT ` + scoreColumns + ` FROM scores WHERE enrollment_id IN (` + inClause(len(enrollmentIDs)) + `)`
	rows, err := r.db.QueryContext(ctx, query, int64Args(enrollmentIDs)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		sc, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		result[sc.EnrollmentID] = append(result[sc.EnrollmentID], sc)
	}

	return result, rows.Err()
}

func (r *repository) GetCourseScores(ctx context.Context, enrollmentIDs []int64) (map[int64]model.Score, error) {
	all, err := r.loadScores(ctx, enrollmentIDs)
	if err != nil {
		return nil, err
	}

	result := make(map[int64]model.Score, len(all))
	for id, scores := range all {
		for _, sc := range scores {
			if sc.CourseScore() {
				result[id] = sc
			}
		}
	}
	return result, nil
}

// ScopeKey identifies a score row within its enrollment.
func ScopeKey(s model.Score) string {
	switch {
	case s.GradingPeriodID != nil:
		return fmt.Sprintf("%s:%d", s.Scope, *s.GradingPeriodID)
	case s.AssignmentGroupID != nil:
		return fmt.Sprintf("%s:%d", s.Scope, *s.AssignmentGroupID)
	}
	return string(s.Scope)
}

// SaveScores upserts computed rows. Override scores are never written here.
func (r *repository) SaveScores(ctx context.Context, scores []model.Score) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO scores (enrollment_id, scope, scope_key, grading_period_id, assignment_group_id,
			  current_score, unposted_current_score, final_score, unposted_final_score,
			  current_points, unposted_current_points, final_points, unposted_final_points, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW(6))
			  ON DUPLICATE KEY UPDATE
			  current_score = VALUES(current_score), unposted_current_score = VALUES(unposted_current_score),
			  final_score = VALUES(final_score), unposted_final_score = VALUES(unposted_final_score),
			  current_points = VALUES(current_points), unposted_current_points = VALUES(unposted_current_points),
			  final_points = VALUES(final_points), unposted_final_points = VALUES(unposted_final_points),
			  updated_at = NOW(6)`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range scores {
		_, err := stmt.ExecContext(ctx, s.EnrollmentID, s.Scope, ScopeKey(s), s.GradingPeriodID, s.AssignmentGroupID,
			s.CurrentScore, s.UnpostedCurrentScore, s.FinalScore, s.UnpostedFinalScore,
			s.CurrentPoints, s.UnpostedCurrentPoints, s.FinalPoints, s.UnpostedFinalPoints)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *repository) CreateExport(ctx context.Context, export *model.GradebookExport) error {
	query := `INSERT INTO gradebook_exports (id, course_id, user_id, format, status, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query, export.ID, export.CourseID, export.UserID, export.Format,
		export.Status, export.CreatedAt, export.UpdatedAt)
	return err
}

func (r *repository) GetExport(ctx context.Context, exportID string) (*model.GradebookExport, error) {
	query := `SELECT id, course_id, user_id, format, status, storage_key, error_message, created_at, updated_at
			  FROM gradebook_exports WHERE id = ?`

	var e model.GradebookExport
	err := r.db.QueryRowContext(ctx, query, exportID).Scan(
		&e.ID, &e.CourseID, &e.UserID, &e.Format, &e.Status,
		&e.StorageKey, &e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", errors.ErrExportNotFound, exportID)
		}
		return nil, err
	}

	return &e, nil
}

func (r *repository) UpdateExportStatus(ctx context.Context, exportID string, status model.ExportStatus, storageKey, errorMessage *string) error {
	query := `UPDATE gradebook_exports SET status = ?, storage_key = COALESCE(?, storage_key),
			  error_message = ?, updated_at = NOW(6) WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, status, storageKey, errorMessage, exportID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", errors.ErrExportNotFound, exportID)
	}
	return nil
}
