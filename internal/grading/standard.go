package grading

import (
	"fmt"
	"strings"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"
)

// DefaultGradingStandard is used by courses that enable grading standards without
// picking a custom one.
func DefaultGradingStandard() *model.GradingStandard {
	return &model.GradingStandard{
		Title: "Default Grading Scheme",
		Scheme: []model.GradingSchemeEntry{
			{Name: "A", MinPercent: 94},
			{Name: "A-", MinPercent: 90},
			{Name: "B+", MinPercent: 87},
			{Name: "B", MinPercent: 84},
			{Name: "B-", MinPercent: 80},
			{Name: "C+", MinPercent: 77},
			{Name: "C", MinPercent: 74},
			{Name: "C-", MinPercent: 70},
			{Name: "D+", MinPercent: 67},
			{Name: "D", MinPercent: 64},
			{Name: "D-", MinPercent: 61},
			{Name: "F", MinPercent: 0},
		},
	}
}

// ScoreToGrade maps a percentage to the first entry whose cutoff it reaches.
// Scores above 100 still match the top entry and scores below every cutoff get the
// last one. No rounding is applied, so 93.999 is not an A on the default scheme.
func ScoreToGrade(score float64, standard *model.GradingStandard) (string, bool) {
	if standard == nil || len(standard.Scheme) == 0 {
		return "", false
	}

	for _, entry := range standard.Scheme {
		if score >= entry.MinPercent {
			return entry.Name, true
		}
	}

	return standard.Scheme[len(standard.Scheme)-1].Name, true
}

// ValidateStandard checks that names are set and cutoffs strictly decrease within 0..100.
func ValidateStandard(standard *model.GradingStandard) error {
	if standard == nil || len(standard.Scheme) == 0 {
		return fmt.Errorf("%w: scheme is empty", errors.ErrInvalidStandard)
	}

	for i, entry := range standard.Scheme {
		if strings.TrimSpace(entry.Name) == "" {
			return errors.ValidationError{
				Field:   fmt.Sprintf("scheme[%d].name", i),
				Value:   entry.Name,
				Message: "name cannot be empty",
			}
		}
		if entry.MinPercent < 0 || entry.MinPercent > 100 {
			return errors.ValidationError{
				Field:   fmt.Sprintf("scheme[%d].min_percent", i),
				Value:   entry.MinPercent,
				Message: "must be between 0 and 100",
			}
		}
		if i > 0 && entry.MinPercent >= standard.Scheme[i-1].MinPercent {
			return errors.ValidationError{
				Field:   fmt.Sprintf("scheme[%d].min_percent", i),
				Value:   entry.MinPercent,
				Message: "cutoffs must strictly decrease",
			}
		}
	}

	return nil
}
