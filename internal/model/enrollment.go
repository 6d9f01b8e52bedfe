package model

import "time"

type WorkflowState string

const (
	WorkflowActive    WorkflowState = "active"
	WorkflowInactive  WorkflowState = "inactive"
	WorkflowCompleted WorkflowState = "completed"
	WorkflowDeleted   WorkflowState = "deleted"
)

type EnrollmentType string

const (
	StudentEnrollment EnrollmentType = "StudentEnrollment"
	// Test student created by "student view"; never published, sorted last in exports.
	StudentViewEnrollment EnrollmentType = "StudentViewEnrollment"
)

type PublishingStatus string

const (
	PublishingUnpublished   PublishingStatus = "unpublished"
	PublishingPending       PublishingStatus = "pending"
	PublishingPublishing    PublishingStatus = "publishing"
	PublishingPublished     PublishingStatus = "published"
	PublishingError         PublishingStatus = "error"
	PublishingUnpublishable PublishingStatus = "unpublishable"
)

// InFlight reports whether a publish attempt is still waiting on the worker or the SIS.
func (s PublishingStatus) InFlight() bool {
	return s == PublishingPending || s == PublishingPublishing
}

type Enrollment struct {
	ID                   int64            `json:"id" db:"id"`
	UserID               int64            `json:"user_id" db:"user_id"`
	CourseID             int64            `json:"course_id" db:"course_id"`
	SectionID            int64            `json:"course_section_id" db:"course_section_id"`
	Type                 EnrollmentType   `json:"type" db:"type"`
	WorkflowState        WorkflowState    `json:"workflow_state" db:"workflow_state"`
	PublishingStatus     PublishingStatus `json:"grade_publishing_status" db:"grade_publishing_status"`
	PublishingMessage    *string          `json:"grade_publishing_message,omitempty" db:"grade_publishing_message"`
	LastPublishAttemptAt *time.Time       `json:"last_publish_attempt_at,omitempty" db:"last_publish_attempt_at"`
}

func (e Enrollment) IsActive() bool {
	return e.WorkflowState == WorkflowActive
}

func (e Enrollment) IsTestStudent() bool {
	return e.Type == StudentViewEnrollment
}

// Publishable enrollments are the ones a publish run touches.
func (e Enrollment) Publishable() bool {
	return e.IsActive() && !e.IsTestStudent()
}

type User struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	SortableName string `json:"sortable_name" db:"sortable_name"`
}

// Pseudonym is an account-scoped login.
type Pseudonym struct {
	ID            int64   `json:"id" db:"id"`
	UserID        int64   `json:"user_id" db:"user_id"`
	AccountID     int64   `json:"account_id" db:"account_id"`
	UniqueID      string  `json:"unique_id" db:"unique_id"`
	SISUserID     *string `json:"sis_user_id,omitempty" db:"sis_user_id"`
	IntegrationID *string `json:"integration_id,omitempty" db:"integration_id"`
}

func (p Pseudonym) HasSISID() bool {
	return p.SISUserID != nil && *p.SISUserID != ""
}

type Section struct {
	ID          int64   `json:"id" db:"id"`
	CourseID    int64   `json:"course_id" db:"course_id"`
	Name        string  `json:"name" db:"name"`
	SISSourceID *string `json:"sis_source_id,omitempty" db:"sis_source_id"`
}
