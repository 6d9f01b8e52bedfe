package model

import "time"

type ExportStatus string

const (
	ExportQueued    ExportStatus = "QUEUED"
	ExportRunning   ExportStatus = "RUNNING"
	ExportCompleted ExportStatus = "COMPLETED"
	ExportFailed    ExportStatus = "FAILED"
)

// GradebookExport tracks a background gradebook export and its stored attachment.
type GradebookExport struct {
	ID           string       `json:"id" db:"id"`
	CourseID     int64        `json:"course_id" db:"course_id"`
	UserID       int64        `json:"user_id" db:"user_id"`
	Format       ExportFormat `json:"format" db:"format"`
	Status       ExportStatus `json:"status" db:"status"`
	StorageKey   *string      `json:"storage_key,omitempty" db:"storage_key"`
	ErrorMessage *string      `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// GradebookSettings are the requester's per-course gradebook preferences.
type GradebookSettings struct {
	ShowConcludedEnrollments bool `json:"show_concluded_enrollments" db:"show_concluded_enrollments"`
	ShowInactiveEnrollments  bool `json:"show_inactive_enrollments" db:"show_inactive_enrollments"`
}
