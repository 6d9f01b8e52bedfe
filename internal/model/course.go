package model

import "time"

type WeightingScheme string

const (
	WeightingEqual   WeightingScheme = "equal"
	WeightingPercent WeightingScheme = "percent"
)

type Course struct {
	ID                      int64           `json:"id" db:"id"`
	Name                    string          `json:"name" db:"name"`
	SISSourceID             *string         `json:"sis_source_id,omitempty" db:"sis_source_id"`
	RootAccountID           int64           `json:"root_account_id" db:"root_account_id"`
	GroupWeightingScheme    WeightingScheme `json:"group_weighting_scheme" db:"group_weighting_scheme"`
	GradingStandardID       *int64          `json:"grading_standard_id,omitempty" db:"grading_standard_id"`
	AllowFinalGradeOverride bool            `json:"allow_final_grade_override" db:"allow_final_grade_override"`
	FinalGradesOverrideFlag bool            `json:"final_grades_override_enabled" db:"final_grades_override_enabled"`
	ListStudentsBySortable  bool            `json:"list_students_by_sortable_name" db:"list_students_by_sortable_name"`
	IncludeIntegrationIDs   bool            `json:"include_integration_ids" db:"include_integration_ids"`
}

func (c Course) GradingStandardEnabled() bool {
	return c.GradingStandardID != nil
}

// FinalGradeOverridesActive requires both the feature flag and the course setting.
func (c Course) FinalGradeOverridesActive() bool {
	return c.FinalGradesOverrideFlag && c.AllowFinalGradeOverride
}

func (c Course) Weighted() bool {
	return c.GroupWeightingScheme == WeightingPercent
}

type GradingType string

const (
	GradingPoints    GradingType = "points"
	GradingPercent   GradingType = "percent"
	GradingLetter    GradingType = "letter_grade"
	GradingGPAScale  GradingType = "gpa_scale"
	GradingPassFail  GradingType = "pass_fail"
	GradingNotGraded GradingType = "not_graded"
)

type Assignment struct {
	ID                 int64       `json:"id" db:"id"`
	CourseID           int64       `json:"course_id" db:"course_id"`
	AssignmentGroupID  int64       `json:"assignment_group_id" db:"assignment_group_id"`
	Title              string      `json:"title" db:"title"`
	Position           int         `json:"position" db:"position"`
	PointsPossible     *float64    `json:"points_possible,omitempty" db:"points_possible"`
	GradingType        GradingType `json:"grading_type" db:"grading_type"`
	OmitFromFinalGrade bool        `json:"omit_from_final_grade" db:"omit_from_final_grade"`
	DueAt              *time.Time  `json:"due_at,omitempty" db:"due_at"`
	Muted              bool        `json:"muted" db:"muted"`
	Published          bool        `json:"published" db:"published"`
	// Nil means visible to everyone; otherwise only the listed students see it.
	VisibleTo []int64 `json:"visible_to,omitempty" db:"-"`
}

func (a Assignment) Points() float64 {
	if a.PointsPossible == nil {
		return 0
	}
	return *a.PointsPossible
}

func (a Assignment) VisibleToUser(userID int64) bool {
	if a.VisibleTo == nil {
		return true
	}
	for _, id := range a.VisibleTo {
		if id == userID {
			return true
		}
	}
	return false
}

// Exported reports whether the assignment gets a gradebook column.
func (a Assignment) Exported() bool {
	return a.Published && a.GradingType != GradingNotGraded
}

type AssignmentGroup struct {
	ID          int64        `json:"id" db:"id"`
	CourseID    int64        `json:"course_id" db:"course_id"`
	Name        string       `json:"name" db:"name"`
	Position    int          `json:"position" db:"position"`
	GroupWeight float64      `json:"group_weight" db:"group_weight"`
	Assignments []Assignment `json:"assignments" db:"-"`
}

type GradingPeriod struct {
	ID        int64     `json:"id" db:"id"`
	GroupID   int64     `json:"grading_period_group_id" db:"grading_period_group_id"`
	Title     string    `json:"title" db:"title"`
	StartDate time.Time `json:"start_date" db:"start_date"`
	EndDate   time.Time `json:"end_date" db:"end_date"`
	Weight    float64   `json:"weight" db:"weight"`
}

// Contains reports whether a due date falls inside the period; end date is inclusive.
func (p GradingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

type GradingPeriodGroup struct {
	ID                                int64           `json:"id" db:"id"`
	Weighted                          bool            `json:"weighted" db:"weighted"`
	DisplayTotalsForAllGradingPeriods bool            `json:"display_totals_for_all_grading_periods" db:"display_totals_for_all_grading_periods"`
	Periods                           []GradingPeriod `json:"grading_periods" db:"-"`
}

type SubmissionState string

const (
	SubmissionGraded        SubmissionState = "graded"
	SubmissionSubmitted     SubmissionState = "submitted"
	SubmissionUnsubmitted   SubmissionState = "unsubmitted"
	SubmissionPendingReview SubmissionState = "pending_review"
)

type Submission struct {
	ID              int64           `json:"id" db:"id"`
	UserID          int64           `json:"user_id" db:"user_id"`
	AssignmentID    int64           `json:"assignment_id" db:"assignment_id"`
	Score           *float64        `json:"score,omitempty" db:"score"`
	Grade           string          `json:"grade,omitempty" db:"grade"`
	Excused         bool            `json:"excused" db:"excused"`
	WorkflowState   SubmissionState `json:"workflow_state" db:"workflow_state"`
	Posted          bool            `json:"posted" db:"posted"`
	CachedDueDate   *time.Time      `json:"cached_due_date,omitempty" db:"cached_due_date"`
	GradingPeriodID *int64          `json:"grading_period_id,omitempty" db:"grading_period_id"`
}

// Graded submissions count toward the current score.
func (s Submission) Graded() bool {
	return s.Score != nil && s.WorkflowState == SubmissionGraded
}
