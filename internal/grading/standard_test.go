package grading

import (
	"testing"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreToGrade(t *testing.T) {
	standard := DefaultGradingStandard()

	tests := []struct {
		score float64
		grade string
	}{
		{1005, "A"},
		{100, "A"},
		{94, "A"},
		{93.999, "A-"},
		{90, "A-"},
		{84.5, "B"},
		{61, "D-"},
		{60.99, "F"},
		{0, "F"},
		{-100, "F"},
	}

	for _, tt := range tests {
		grade, ok := ScoreToGrade(tt.score, standard)
		require.True(t, ok)
		assert.Equal(t, tt.grade, grade, "score %v", tt.score)
	}
}

func TestScoreToGradeIsMonotonic(t *testing.T) {
	standard := DefaultGradingStandard()
	rank := make(map[string]int)
	for i, e := range standard.Scheme {
		rank[e.Name] = i
	}

	prev := len(standard.Scheme)
	for score := -10.0; score <= 110; score += 0.25 {
		grade, _ := ScoreToGrade(score, standard)
		assert.LessOrEqual(t, rank[grade], prev, "score %v", score)
		prev = rank[grade]
	}
}

func TestScoreToGradeWithoutStandard(t *testing.T) {
	grade, ok := ScoreToGrade(95, nil)
	assert.False(t, ok)
	assert.Empty(t, grade)
}

func TestScoreToGradeFallsBackToLastEntry(t *testing.T) {
	standard := &model.GradingStandard{Scheme: []model.GradingSchemeEntry{
		{Name: "Pass", MinPercent: 60},
		{Name: "Fail", MinPercent: 20},
	}}

	grade, ok := ScoreToGrade(5, standard)
	require.True(t, ok)
	assert.Equal(t, "Fail", grade)
}

func TestValidateStandard(t *testing.T) {
	require.NoError(t, ValidateStandard(DefaultGradingStandard()))

	err := ValidateStandard(&model.GradingStandard{})
	assert.True(t, errors.Is(err, errors.ErrInvalidStandard))

	tests := []struct {
		name   string
		scheme []model.GradingSchemeEntry
		field  string
	}{
		{"blank name", []model.GradingSchemeEntry{{Name: " ", MinPercent: 50}}, "scheme[0].name"},
		{"out of range", []model.GradingSchemeEntry{{Name: "A", MinPercent: 120}}, "scheme[0].min_percent"},
		{"not decreasing", []model.GradingSchemeEntry{{Name: "A", MinPercent: 90}, {Name: "B", MinPercent: 90}}, "scheme[1].min_percent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStandard(&model.GradingStandard{Scheme: tt.scheme})
			var ve errors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}
