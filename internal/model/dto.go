package model

import "time"

type PublishJob struct {
	CourseID         int64     `json:"course_id"`
	PublishingUserID int64     `json:"publishing_user_id"`
	TargetUserID     *int64    `json:"user_id,omitempty"`
	AttemptAt        time.Time `json:"attempt_at"`
}

type ExpireJob struct {
	CourseID int64     `json:"course_id"`
	Cutoff   time.Time `json:"cutoff"`
}

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXLSX ExportFormat = "xlsx"
)

func (f ExportFormat) Extension() string {
	return string(f)
}

func (f ExportFormat) ContentType() string {
	if f == ExportXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

type ExportJob struct {
	ExportID    string       `json:"export_id"`
	CourseID    int64        `json:"course_id"`
	RequesterID int64        `json:"requester_id"`
	Format      ExportFormat `json:"format"`
	IncludeSIS  bool         `json:"include_sis_id"`
}

type PublishRequest struct {
	PublishingUserID int64  `json:"publishing_user_id" binding:"required,gt=0"`
	UserID           *int64 `json:"user_id,omitempty" binding:"omitempty,gt=0"`
}

type ExpireRequest struct {
	Cutoff time.Time `json:"cutoff" binding:"required"`
}

type ConfirmRequest struct {
	EnrollmentIDs []int64 `json:"enrollment_ids,omitempty" binding:"omitempty,dive,gt=0"`
}

type RecomputeRequest struct {
	UserIDs []int64 `json:"user_ids,omitempty" binding:"omitempty,dive,gt=0"`
}

type ExportRequest struct {
	RequesterID int64        `json:"requester_id" binding:"required,gt=0"`
	Format      ExportFormat `json:"format" binding:"omitempty,oneof=csv xlsx"`
	IncludeSIS  bool         `json:"include_sis_id"`
}

type PublishingStatusResponse struct {
	CourseID      int64                     `json:"course_id"`
	OverallStatus PublishingStatus          `json:"overall_status"`
	Messages      map[string][]EnrollmentID `json:"messages"`
}

type EnrollmentID struct {
	EnrollmentID int64 `json:"enrollment_id"`
	UserID       int64 `json:"user_id"`
}
