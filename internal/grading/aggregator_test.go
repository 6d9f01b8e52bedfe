package grading

import (
	"math"
	"testing"
	"time"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func assignment(id, groupID int64, points float64) model.Assignment {
	return model.Assignment{
		ID:                id,
		AssignmentGroupID: groupID,
		Title:             "Assignment",
		PointsPossible:    f(points),
		GradingType:       model.GradingPoints,
		Published:         true,
	}
}

func graded(assignmentID int64, score float64) model.Submission {
	return model.Submission{
		AssignmentID:  assignmentID,
		UserID:        1,
		Score:         f(score),
		WorkflowState: model.SubmissionGraded,
		Posted:        true,
	}
}

func TestComputeEqualWeighting(t *testing.T) {
	groups := []model.AssignmentGroup{{
		ID: 10, Name: "Homework", Position: 1,
		Assignments: []model.Assignment{assignment(1, 10, 10), assignment(2, 10, 10), assignment(3, 10, 10)},
	}}

	tests := []struct {
		name        string
		submissions map[int64]model.Submission
		groups      func() []model.AssignmentGroup
		current     *float64
		final       *float64
		points      *float64
	}{
		{
			name:        "ungraded work only counts toward final",
			submissions: map[int64]model.Submission{1: graded(1, 8), 2: graded(2, 9)},
			current:     f(85),
			final:       f(56.67),
			points:      f(17),
		},
		{
			name: "excused work leaves both sides",
			submissions: map[int64]model.Submission{
				1: graded(1, 8), 2: graded(2, 9),
				3: {AssignmentID: 3, UserID: 1, Excused: true, WorkflowState: model.SubmissionGraded, Score: f(0)},
			},
			current: f(85),
			final:   f(85),
			points:  f(17),
		},
		{
			name:        "omitted assignment is ignored",
			submissions: map[int64]model.Submission{1: graded(1, 8), 2: graded(2, 9)},
			groups: func() []model.AssignmentGroup {
				gs := []model.AssignmentGroup{groups[0]}
				gs[0].Assignments = append([]model.Assignment(nil), groups[0].Assignments...)
				gs[0].Assignments[2].OmitFromFinalGrade = true
				return gs
			},
			current: f(85),
			final:   f(85),
			points:  f(17),
		},
		{
			name:        "assignment hidden from the student is ignored",
			submissions: map[int64]model.Submission{1: graded(1, 8), 2: graded(2, 9)},
			groups: func() []model.AssignmentGroup {
				gs := []model.AssignmentGroup{groups[0]}
				gs[0].Assignments = append([]model.Assignment(nil), groups[0].Assignments...)
				gs[0].Assignments[2].VisibleTo = []int64{99}
				return gs
			},
			current: f(85),
			final:   f(85),
			points:  f(17),
		},
		{
			name:        "nothing graded",
			submissions: map[int64]model.Submission{},
			current:     nil,
			final:       f(0),
			points:      f(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gs := groups
			if tt.groups != nil {
				gs = tt.groups()
			}
			res, err := NewAggregator().Compute(Input{
				UserID:      1,
				Groups:      gs,
				Submissions: tt.submissions,
				Weighting:   model.WeightingEqual,
			})
			require.NoError(t, err)
			require.NotNil(t, res.Total)

			assert.Equal(t, tt.current, res.Total.Current.Score)
			assert.Equal(t, tt.final, res.Total.Final.Score)
			assert.Equal(t, tt.points, res.Total.points(res.Total.Current))
		})
	}
}

func TestComputeEqualMatchesPointsRatio(t *testing.T) {
	groups := []model.AssignmentGroup{
		{ID: 1, Assignments: []model.Assignment{assignment(1, 1, 7), assignment(2, 1, 13)}},
		{ID: 2, Assignments: []model.Assignment{assignment(3, 2, 30)}},
	}
	subs := map[int64]model.Submission{1: graded(1, 5), 2: graded(2, 11.5), 3: graded(3, 21)}

	res, err := NewAggregator().Compute(Input{UserID: 1, Groups: groups, Submissions: subs, Weighting: model.WeightingEqual})
	require.NoError(t, err)

	expected := math.Round((5+11.5+21)/(7+13+30)*100*100) / 100
	assert.Equal(t, expected, *res.Total.Current.Score)
}

func TestComputePercentWeighting(t *testing.T) {
	groups := []model.AssignmentGroup{
		{ID: 1, Name: "Exams", GroupWeight: 60, Assignments: []model.Assignment{assignment(1, 1, 10)}},
		{ID: 2, Name: "Projects", GroupWeight: 40, Assignments: []model.Assignment{assignment(2, 2, 10)}},
		{ID: 3, Name: "Empty", GroupWeight: 25},
	}
	subs := map[int64]model.Submission{1: graded(1, 8)}

	res, err := NewAggregator().Compute(Input{UserID: 1, Groups: groups, Submissions: subs, Weighting: model.WeightingPercent})
	require.NoError(t, err)

	// Only "Exams" has graded work; its 60 weight is scaled up to 100.
	assert.Equal(t, f(80), res.Total.Current.Score)
	// Projects counts as zero in the final score; Empty has no points and adds nothing.
	assert.Equal(t, f(48), res.Total.Final.Score)
	assert.False(t, res.Total.HasPoints)

	scores := res.Scores(55)
	require.Len(t, scores, 4)
	assert.Equal(t, model.ScopeCourse, scores[0].Scope)
	assert.Nil(t, scores[0].CurrentPoints)
	assert.Equal(t, int64(55), scores[1].EnrollmentID)
	assert.Equal(t, int64(1), *scores[1].AssignmentGroupID)
	assert.Equal(t, f(8), scores[1].CurrentPoints)
}

func TestComputeUnpostedVariants(t *testing.T) {
	groups := []model.AssignmentGroup{{ID: 1, Assignments: []model.Assignment{assignment(1, 1, 10), assignment(2, 1, 10)}}}
	hidden := graded(2, 4)
	hidden.Posted = false
	subs := map[int64]model.Submission{1: graded(1, 10), 2: hidden}

	res, err := NewAggregator().Compute(Input{UserID: 1, Groups: groups, Submissions: subs, Weighting: model.WeightingEqual})
	require.NoError(t, err)

	assert.Equal(t, f(100), res.Total.Current.Score)
	assert.Equal(t, f(50), res.Total.Final.Score)
	assert.Equal(t, f(70), res.Total.UnpostedCurrent.Score)
	assert.Equal(t, f(70), res.Total.UnpostedFinal.Score)
}

func TestComputeAllExcludedYieldsNil(t *testing.T) {
	a := assignment(1, 1, 10)
	a.OmitFromFinalGrade = true
	groups := []model.AssignmentGroup{{ID: 1, Assignments: []model.Assignment{a}}}

	for _, scheme := range []model.WeightingScheme{model.WeightingEqual, model.WeightingPercent} {
		res, err := NewAggregator().Compute(Input{
			UserID: 1, Groups: groups, Weighting: scheme,
			Submissions: map[int64]model.Submission{1: graded(1, 10)},
		})
		require.NoError(t, err)
		assert.Nil(t, res.Total.Current.Score, scheme)
		assert.Nil(t, res.Total.Final.Score, scheme)
	}
}

func TestComputeWeightedGradingPeriods(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC)
		return &v
	}
	first := assignment(1, 1, 10)
	first.DueAt = day(5)
	second := assignment(2, 1, 10)
	second.DueAt = day(25)
	undated := assignment(3, 1, 10)

	periods := &model.GradingPeriodGroup{
		ID:       1,
		Weighted: true,
		Periods: []model.GradingPeriod{
			{ID: 2, Title: "Second", StartDate: *day(16), EndDate: *day(31), Weight: 50},
			{ID: 1, Title: "First", StartDate: *day(1), EndDate: *day(15), Weight: 50},
		},
	}
	groups := []model.AssignmentGroup{{ID: 1, Assignments: []model.Assignment{first, second, undated}}}
	subs := map[int64]model.Submission{1: graded(1, 9), 2: graded(2, 6)}

	res, err := NewAggregator().Compute(Input{UserID: 1, Groups: groups, Submissions: subs, Weighting: model.WeightingEqual, Periods: periods})
	require.NoError(t, err)

	require.Len(t, res.Periods, 2)
	assert.Equal(t, int64(1), res.Periods[0].Period.ID)
	assert.Equal(t, f(90), res.Periods[0].Current.Score)
	assert.Equal(t, f(60), res.Periods[1].Current.Score)
	// Undated work lands in the last period.
	assert.Equal(t, f(30), res.Periods[1].Final.Score)

	assert.Equal(t, f(75), res.Total.Current.Score)
	assert.Equal(t, f(60), res.Total.Final.Score)
	assert.Nil(t, res.Total.points(res.Total.Current))

	p, ok := res.Period(2)
	require.True(t, ok)
	assert.Equal(t, "Second", p.Period.Title)
}

func TestComputeExcludeTotal(t *testing.T) {
	groups := []model.AssignmentGroup{{ID: 1, Assignments: []model.Assignment{assignment(1, 1, 10)}}}
	res, err := NewAggregator().Compute(Input{
		UserID: 1, Groups: groups, Weighting: model.WeightingEqual, ExcludeTotal: true,
		Submissions: map[int64]model.Submission{1: graded(1, 10)},
	})
	require.NoError(t, err)

	assert.Nil(t, res.Total)
	for _, s := range res.Scores(1) {
		assert.NotEqual(t, model.ScopeCourse, s.Scope)
	}
}

func TestComputeRejectsMalformedScores(t *testing.T) {
	groups := []model.AssignmentGroup{{ID: 1, Assignments: []model.Assignment{assignment(1, 1, 10)}}}
	_, err := NewAggregator().Compute(Input{
		UserID: 1, Groups: groups,
		Submissions: map[int64]model.Submission{1: graded(1, math.NaN())},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidScore))

	groups[0].Assignments[0].PointsPossible = f(-1)
	_, err = NewAggregator().Compute(Input{UserID: 1, Groups: groups})
	assert.True(t, errors.Is(err, errors.ErrInvalidScore))
}

func TestEffectiveFinalScore(t *testing.T) {
	score := model.Score{Scope: model.ScopeCourse, CurrentScore: f(70), FinalScore: f(65), OverrideScore: f(90)}

	assert.Equal(t, f(90), EffectiveFinalScore(score, true))
	assert.Equal(t, f(65), EffectiveFinalScore(score, false))

	score.OverrideScore = nil
	assert.Equal(t, f(65), EffectiveFinalScore(score, true))
}

func TestHideTotals(t *testing.T) {
	group := &model.GradingPeriodGroup{DisplayTotalsForAllGradingPeriods: false}
	assert.True(t, HideTotals(group, true))
	assert.False(t, HideTotals(group, false))
	assert.False(t, HideTotals(nil, true))

	group.DisplayTotalsForAllGradingPeriods = true
	assert.False(t, HideTotals(group, true))
}
