package grading

import (
	"fmt"
	"math"
	"sort"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"
)

// Input is everything needed to score one student.
type Input struct {
	UserID int64
	Groups []model.AssignmentGroup
	// assignment id -> submission
	Submissions  map[int64]model.Submission
	Weighting    model.WeightingScheme
	Periods      *model.GradingPeriodGroup
	ExcludeTotal bool
}

// Variant is one view of a scope: earned over possible and the resulting percentage.
type Variant struct {
	Earned   float64
	Possible float64
	Score    *float64
}

func (v *Variant) ratio() *float64 {
	if v.Possible <= 0 {
		return nil
	}
	r := v.Earned / v.Possible * 100
	return &r
}

// Bucket holds the posted and unposted current/final views of a scope.
// Points are meaningless once percentages are blended, so HasPoints is false for those.
type Bucket struct {
	Current         Variant
	Final           Variant
	UnpostedCurrent Variant
	UnpostedFinal   Variant
	HasPoints       bool
}

func (b *Bucket) variants() [4]*Variant {
	return [4]*Variant{&b.Current, &b.Final, &b.UnpostedCurrent, &b.UnpostedFinal}
}

func (b *Bucket) points(v Variant) *float64 {
	if !b.HasPoints {
		return nil
	}
	p := round(v.Earned)
	return &p
}

type GroupResult struct {
	Group model.AssignmentGroup
	Bucket
}

type PeriodResult struct {
	Period model.GradingPeriod
	Groups []GroupResult
	Bucket
}

type Result struct {
	UserID  int64
	Groups  []GroupResult
	Periods []PeriodResult
	// nil when the course total is excluded
	Total *Bucket
}

// Aggregator computes current and final scores from graded work. It keeps no state
// between calls.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) Compute(in Input) (*Result, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}

	res := &Result{UserID: in.UserID}
	res.Groups = groupBuckets(in, func(model.Assignment) bool { return true })

	if in.Periods != nil {
		periods := sortedPeriods(in.Periods.Periods)
		assigned := assignPeriods(in, periods)
		for _, p := range periods {
			periodID := p.ID
			groups := groupBuckets(in, func(asg model.Assignment) bool {
				id, ok := assigned[asg.ID]
				return ok && id == periodID
			})
			res.Periods = append(res.Periods, PeriodResult{
				Period: p,
				Groups: groups,
				Bucket: combineGroups(groups, in.Weighting),
			})
		}
	}

	if in.ExcludeTotal {
		return res, nil
	}

	var total Bucket
	if in.Periods != nil && in.Periods.Weighted && len(res.Periods) > 0 {
		total = combinePeriods(res.Periods)
	} else {
		total = combineGroups(res.Groups, in.Weighting)
	}
	res.Total = &total

	return res, nil
}

// Scores flattens the result into persisted score rows for an enrollment.
func (r *Result) Scores(enrollmentID int64) []model.Score {
	var scores []model.Score

	if r.Total != nil {
		scores = append(scores, toScore(enrollmentID, model.ScopeCourse, r.Total))
	}
	for i := range r.Groups {
		g := &r.Groups[i]
		s := toScore(enrollmentID, model.ScopeAssignmentGroup, &g.Bucket)
		groupID := g.Group.ID
		s.AssignmentGroupID = &groupID
		scores = append(scores, s)
	}
	for i := range r.Periods {
		p := &r.Periods[i]
		s := toScore(enrollmentID, model.ScopeGradingPeriod, &p.Bucket)
		periodID := p.Period.ID
		s.GradingPeriodID = &periodID
		scores = append(scores, s)
	}

	return scores
}

func (r *Result) Group(groupID int64) (GroupResult, bool) {
	for _, g := range r.Groups {
		if g.Group.ID == groupID {
			return g, true
		}
	}
	return GroupResult{}, false
}

func (r *Result) Period(periodID int64) (PeriodResult, bool) {
	for _, p := range r.Periods {
		if p.Period.ID == periodID {
			return p, true
		}
	}
	return PeriodResult{}, false
}

// EffectiveFinalScore substitutes an override for the final score when overrides are active.
// The current score is never overridden.
func EffectiveFinalScore(score model.Score, overridesActive bool) *float64 {
	if overridesActive && score.OverrideScore != nil {
		return score.OverrideScore
	}
	return score.FinalScore
}

// HideTotals reports whether the course total is suppressed when viewing all grading periods.
func HideTotals(periods *model.GradingPeriodGroup, allPeriods bool) bool {
	return periods != nil && allPeriods && !periods.DisplayTotalsForAllGradingPeriods
}

func toScore(enrollmentID int64, scope model.ScoreScope, b *Bucket) model.Score {
	return model.Score{
		EnrollmentID:          enrollmentID,
		Scope:                 scope,
		CurrentScore:          b.Current.Score,
		UnpostedCurrentScore:  b.UnpostedCurrent.Score,
		FinalScore:            b.Final.Score,
		UnpostedFinalScore:    b.UnpostedFinal.Score,
		CurrentPoints:         b.points(b.Current),
		UnpostedCurrentPoints: b.points(b.UnpostedCurrent),
		FinalPoints:           b.points(b.Final),
		UnpostedFinalPoints:   b.points(b.UnpostedFinal),
	}
}

func counts(asg model.Assignment, userID int64) bool {
	return asg.Published &&
		!asg.OmitFromFinalGrade &&
		asg.GradingType != model.GradingNotGraded &&
		asg.VisibleToUser(userID)
}

func groupBuckets(in Input, include func(model.Assignment) bool) []GroupResult {
	groups := make([]GroupResult, 0, len(in.Groups))

	for _, g := range in.Groups {
		b := Bucket{HasPoints: true}
		for _, asg := range g.Assignments {
			if !counts(asg, in.UserID) || !include(asg) {
				continue
			}

			sub, ok := in.Submissions[asg.ID]
			if ok && sub.Excused {
				continue
			}

			possible := asg.Points()
			b.Final.Possible += possible
			b.UnpostedFinal.Possible += possible

			if !ok || !sub.Graded() {
				continue
			}

			earned := *sub.Score
			b.UnpostedCurrent.Earned += earned
			b.UnpostedCurrent.Possible += possible
			b.UnpostedFinal.Earned += earned

			if sub.Posted && !asg.Muted {
				b.Current.Earned += earned
				b.Current.Possible += possible
				b.Final.Earned += earned
			}
		}

		for _, v := range b.variants() {
			v.Score = roundPtr(v.ratio())
		}
		groups = append(groups, GroupResult{Group: g, Bucket: b})
	}

	return groups
}

func combineGroups(groups []GroupResult, scheme model.WeightingScheme) Bucket {
	if scheme == model.WeightingPercent {
		parts := make([]weighted, len(groups))
		for i := range groups {
			parts[i] = weighted{bucket: &groups[i].Bucket, weight: groups[i].Group.GroupWeight}
		}
		return blend(parts)
	}

	total := Bucket{HasPoints: true}
	for i := range groups {
		src := groups[i].Bucket.variants()
		for j, dst := range total.variants() {
			dst.Earned += src[j].Earned
			dst.Possible += src[j].Possible
		}
	}
	for _, v := range total.variants() {
		v.Score = roundPtr(v.ratio())
	}
	return total
}

func combinePeriods(periods []PeriodResult) Bucket {
	parts := make([]weighted, len(periods))
	for i := range periods {
		parts[i] = weighted{bucket: &periods[i].Bucket, weight: periods[i].Period.Weight}
	}
	return blend(parts)
}

type weighted struct {
	bucket *Bucket
	weight float64
}

// blend combines percentages by weight. A part with no score (zero possible points)
// adds nothing to the weighted sum or to the total weight. When the weights in play
// sum to less than 100 the result is scaled up to a full 100.
func blend(parts []weighted) Bucket {
	var out Bucket

	for idx, dst := range out.variants() {
		var sum, full float64
		for _, p := range parts {
			src := p.bucket.variants()[idx]
			pct := src.Score
			if pct == nil {
				continue
			}
			sum += *pct * p.weight / 100
			full += p.weight
		}
		dst.Earned = sum
		dst.Possible = full
		if full == 0 {
			continue
		}
		if full < 100 {
			sum = sum * 100 / full
		}
		dst.Score = roundPtr(&sum)
	}

	return out
}

func sortedPeriods(periods []model.GradingPeriod) []model.GradingPeriod {
	sorted := make([]model.GradingPeriod, len(periods))
	copy(sorted, periods)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].StartDate.Equal(sorted[j].StartDate) {
			return sorted[i].StartDate.Before(sorted[j].StartDate)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// assignPeriods maps assignments to grading periods. The period cached on the
// submission wins; otherwise the due date decides, and undated work falls into
// the last period.
func assignPeriods(in Input, periods []model.GradingPeriod) map[int64]int64 {
	assigned := make(map[int64]int64)
	if len(periods) == 0 {
		return assigned
	}
	last := periods[len(periods)-1]

	for _, g := range in.Groups {
		for _, asg := range g.Assignments {
			sub, hasSub := in.Submissions[asg.ID]
			if hasSub && sub.GradingPeriodID != nil {
				assigned[asg.ID] = *sub.GradingPeriodID
				continue
			}

			due := asg.DueAt
			if hasSub && sub.CachedDueDate != nil {
				due = sub.CachedDueDate
			}
			if due == nil {
				assigned[asg.ID] = last.ID
				continue
			}
			for _, p := range periods {
				if p.Contains(*due) {
					assigned[asg.ID] = p.ID
					break
				}
			}
		}
	}

	return assigned
}

func validateInput(in Input) error {
	for _, g := range in.Groups {
		if in.Weighting == model.WeightingPercent && g.GroupWeight < 0 {
			return fmt.Errorf("%w: assignment group %d has negative weight", errors.ErrInvalidScore, g.ID)
		}
		for _, asg := range g.Assignments {
			if asg.Points() < 0 || math.IsNaN(asg.Points()) {
				return fmt.Errorf("%w: assignment %d has invalid points possible", errors.ErrInvalidScore, asg.ID)
			}
		}
	}

	for assignmentID, sub := range in.Submissions {
		if sub.Score == nil {
			continue
		}
		if math.IsNaN(*sub.Score) || math.IsInf(*sub.Score, 0) {
			return fmt.Errorf("%w: submission for assignment %d has non-finite score", errors.ErrInvalidScore, assignmentID)
		}
	}

	return nil
}

func round(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v)
	return &r
}
