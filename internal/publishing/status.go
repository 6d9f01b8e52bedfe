package publishing

import (
	"fmt"

	"grade-publisher/internal/model"
)

// TranslateStatus renders a publishing status the way the gradebook shows it.
func TranslateStatus(status model.PublishingStatus, message *string) string {
	var text string
	switch status {
	case "", model.PublishingUnpublished:
		text = "Not Synced"
	case model.PublishingPending:
		text = "Pending"
	case model.PublishingPublishing:
		text = "Syncing"
	case model.PublishingPublished:
		text = "Synced"
	case model.PublishingError:
		text = "Error"
	case model.PublishingUnpublishable:
		text = "Unsyncable"
	default:
		text = fmt.Sprintf("Unknown status, %s", status)
	}

	if message != nil && *message != "" {
		text += ": " + *message
	}
	return text
}

// statusPrecedence orders statuses from most to least significant for the course overview.
var statusPrecedence = []model.PublishingStatus{
	model.PublishingError,
	model.PublishingUnpublished,
	model.PublishingPending,
	model.PublishingPublishing,
	model.PublishingPublished,
	model.PublishingUnpublishable,
}

// OverallStatus summarizes a roster: the most significant status present wins,
// an empty roster is unpublished, and a roster of unknown statuses is an error.
func OverallStatus(enrollments []model.Enrollment) model.PublishingStatus {
	if len(enrollments) == 0 {
		return model.PublishingUnpublished
	}

	present := make(map[model.PublishingStatus]bool)
	for _, e := range enrollments {
		status := e.PublishingStatus
		if status == "" {
			status = model.PublishingUnpublished
		}
		present[status] = true
	}

	for _, status := range statusPrecedence {
		if present[status] {
			return status
		}
	}
	return model.PublishingError
}

// GroupByMessage buckets enrollments by their translated status line.
func GroupByMessage(enrollments []model.Enrollment) map[string][]model.Enrollment {
	grouped := make(map[string][]model.Enrollment)
	for _, e := range enrollments {
		key := TranslateStatus(e.PublishingStatus, e.PublishingMessage)
		grouped[key] = append(grouped[key], e)
	}
	return grouped
}
