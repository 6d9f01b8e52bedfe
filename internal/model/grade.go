package model

import "time"

type ScoreScope string

const (
	ScopeCourse          ScoreScope = "course"
	ScopeGradingPeriod   ScoreScope = "grading_period"
	ScopeAssignmentGroup ScoreScope = "assignment_group"
)

// Score is a derived aggregate row; only OverrideScore is ever set by hand.
type Score struct {
	EnrollmentID          int64      `json:"enrollment_id" db:"enrollment_id"`
	Scope                 ScoreScope `json:"scope" db:"scope"`
	GradingPeriodID       *int64     `json:"grading_period_id,omitempty" db:"grading_period_id"`
	AssignmentGroupID     *int64     `json:"assignment_group_id,omitempty" db:"assignment_group_id"`
	CurrentScore          *float64   `json:"current_score" db:"current_score"`
	UnpostedCurrentScore  *float64   `json:"unposted_current_score" db:"unposted_current_score"`
	FinalScore            *float64   `json:"final_score" db:"final_score"`
	UnpostedFinalScore    *float64   `json:"unposted_final_score" db:"unposted_final_score"`
	CurrentPoints         *float64   `json:"current_points" db:"current_points"`
	UnpostedCurrentPoints *float64   `json:"unposted_current_points" db:"unposted_current_points"`
	FinalPoints           *float64   `json:"final_points" db:"final_points"`
	UnpostedFinalPoints   *float64   `json:"unposted_final_points" db:"unposted_final_points"`
	OverrideScore         *float64   `json:"override_score,omitempty" db:"override_score"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// CourseScore reports whether the row is the course-level total for the enrollment.
func (s Score) CourseScore() bool {
	return s.Scope == ScopeCourse
}

// GradingSchemeEntry maps a letter to the minimum percentage (0-100) needed for it.
type GradingSchemeEntry struct {
	Name       string  `json:"name" yaml:"name"`
	MinPercent float64 `json:"min_percent" yaml:"min_percent"`
}

type GradingStandard struct {
	ID     int64                `json:"id" db:"id"`
	Title  string               `json:"title" db:"title"`
	Scheme []GradingSchemeEntry `json:"scheme" db:"-"`
}
