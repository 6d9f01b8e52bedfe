package gradebook

import (
	"sort"
	"strconv"
	"strings"

	"grade-publisher/internal/grading"
	"grade-publisher/internal/model"
)

const (
	mutedCell          = "Muted"
	readOnlyCell       = "(read only)"
	excusedCell        = "EX"
	notVisibleCell     = "N/A"
	pointsPossibleCell = "    Points Possible"
)

type Options struct {
	IncludeSIS      bool
	ExcludeTotal    bool
	OverridesActive bool
}

type columnKind int

const (
	colStudent columnKind = iota
	colID
	colSISUserID
	colSISLoginID
	colIntegrationID
	colSection
	colAssignment
	colGroup
	colPeriod
	colTotal
	colOverride
)

type field int

const (
	fieldCurrentPoints field = iota
	fieldFinalPoints
	fieldCurrentScore
	fieldUnpostedCurrentScore
	fieldFinalScore
	fieldUnpostedFinalScore
	fieldCurrentGrade
	fieldUnpostedCurrentGrade
	fieldFinalGrade
	fieldUnpostedFinalGrade
	fieldOverrideScore
	fieldOverrideGrade
)

var summaryFields = []struct {
	suffix string
	field  field
	points bool
}{
	{"Current Points", fieldCurrentPoints, true},
	{"Final Points", fieldFinalPoints, true},
	{"Current Score", fieldCurrentScore, false},
	{"Unposted Current Score", fieldUnpostedCurrentScore, false},
	{"Final Score", fieldFinalScore, false},
	{"Unposted Final Score", fieldUnpostedFinalScore, false},
}

var gradeFields = []struct {
	name  string
	field field
}{
	{"Current Grade", fieldCurrentGrade},
	{"Unposted Current Grade", fieldUnpostedCurrentGrade},
	{"Final Grade", fieldFinalGrade},
	{"Unposted Final Grade", fieldUnpostedFinalGrade},
}

// Column is one gradebook column. Everything after the assignment columns is computed.
type Column struct {
	Name       string
	kind       columnKind
	field      field
	assignment model.Assignment
	scopeID    int64
}

func (c Column) ReadOnly() bool {
	return c.kind >= colGroup
}

// Formatter lays out a gradebook snapshot as rows. Column order is fully determined
// by positions, titles and ids so repeated exports are identical.
type Formatter struct {
	book    *model.Gradebook
	results map[int64]*grading.Result
	opts    Options
	columns []Column
}

// NewFormatter takes the computed results keyed by user id.
func NewFormatter(book *model.Gradebook, results map[int64]*grading.Result, opts Options) *Formatter {
	f := &Formatter{book: book, results: results, opts: opts}
	f.columns = f.buildColumns()
	return f
}

func (f *Formatter) Columns() []Column {
	return f.columns
}

func (f *Formatter) buildColumns() []Column {
	course := f.book.Course
	cols := []Column{{Name: "Student", kind: colStudent}, {Name: "ID", kind: colID}}
	if f.opts.IncludeSIS {
		cols = append(cols,
			Column{Name: "SIS User ID", kind: colSISUserID},
			Column{Name: "SIS Login ID", kind: colSISLoginID})
		if course.IncludeIntegrationIDs {
			cols = append(cols, Column{Name: "Integration ID", kind: colIntegrationID})
		}
	}
	cols = append(cols, Column{Name: "Section", kind: colSection})

	for _, asg := range f.exportedAssignments() {
		cols = append(cols, Column{
			Name:       asg.Title + " (" + strconv.FormatInt(asg.ID, 10) + ")",
			kind:       colAssignment,
			assignment: asg,
		})
	}

	for _, g := range sortedGroups(f.book.AssignmentGroups) {
		cols = appendSummary(cols, g.Name, colGroup, g.ID, !course.Weighted())
	}

	if f.book.GradingPeriods != nil {
		for _, p := range sortedPeriods(f.book.GradingPeriods.Periods) {
			cols = appendSummary(cols, p.Title, colPeriod, p.ID, !course.Weighted())
		}
	}

	if !f.opts.ExcludeTotal {
		weightedPeriods := f.book.GradingPeriods != nil && f.book.GradingPeriods.Weighted
		for _, s := range summaryFields {
			if s.points && (course.Weighted() || weightedPeriods) {
				continue
			}
			cols = append(cols, Column{Name: s.suffix, kind: colTotal, field: s.field})
		}
		if f.book.GradingStandard != nil {
			for _, g := range gradeFields {
				cols = append(cols, Column{Name: g.name, kind: colTotal, field: g.field})
			}
		}
	}

	if f.opts.OverridesActive {
		cols = append(cols, Column{Name: "Override Score", kind: colOverride, field: fieldOverrideScore})
		if f.book.GradingStandard != nil {
			cols = append(cols, Column{Name: "Override Grade", kind: colOverride, field: fieldOverrideGrade})
		}
	}

	return cols
}

func appendSummary(cols []Column, prefix string, kind columnKind, scopeID int64, withPoints bool) []Column {
	for _, s := range summaryFields {
		if s.points && !withPoints {
			continue
		}
		cols = append(cols, Column{Name: prefix + " " + s.suffix, kind: kind, field: s.field, scopeID: scopeID})
	}
	return cols
}

func sortedGroups(groups []model.AssignmentGroup) []model.AssignmentGroup {
	sorted := make([]model.AssignmentGroup, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return sorted
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

func (f *Formatter) exportedAssignments() []model.Assignment {
	type entry struct {
		group model.AssignmentGroup
		asg   model.Assignment
	}
	var entries []entry
	for _, g := range f.book.AssignmentGroups {
		for _, asg := range g.Assignments {
			if asg.Exported() {
				entries = append(entries, entry{group: g, asg: asg})
			}
		}
	}

	// Groups order the same way as their summary columns.
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.group.Position != b.group.Position {
			return a.group.Position < b.group.Position
		}
		if a.group.Name != b.group.Name {
			return a.group.Name < b.group.Name
		}
		if a.group.ID != b.group.ID {
			return a.group.ID < b.group.ID
		}
		if a.asg.Position != b.asg.Position {
			return a.asg.Position < b.asg.Position
		}
		if a.asg.Title != b.asg.Title {
			return a.asg.Title < b.asg.Title
		}
		return a.asg.ID < b.asg.ID
	})

	out := make([]model.Assignment, len(entries))
	for i, e := range entries {
		out[i] = e.asg
	}
	return out
}

func (f *Formatter) Header() []string {
	row := make([]string, len(f.columns))
	for i, c := range f.columns {
		row[i] = c.Name
	}
	return row
}

// MutedRow is nil unless at least one exported assignment is muted.
func (f *Formatter) MutedRow() []string {
	row := make([]string, len(f.columns))
	muted := false
	for i, c := range f.columns {
		if c.kind == colAssignment && c.assignment.Muted {
			row[i] = mutedCell
			muted = true
		}
	}
	if !muted {
		return nil
	}
	return row
}

func (f *Formatter) PointsPossibleRow() []string {
	row := make([]string, len(f.columns))
	for i, c := range f.columns {
		switch {
		case c.kind == colStudent:
			row[i] = pointsPossibleCell
		case c.kind == colAssignment && c.assignment.PointsPossible != nil:
			row[i] = formatNumber(*c.assignment.PointsPossible)
		case c.ReadOnly():
			row[i] = readOnlyCell
		}
	}
	return row
}

// Students returns the roster in export order: sortable name, test students last,
// without students who have neither a final score nor an override.
func (f *Formatter) Students() []model.Student {
	students := make([]model.Student, 0, len(f.book.Students))
	for _, s := range f.book.Students {
		if len(s.Enrollments) == 0 || !f.hasDeterminableScore(s) {
			continue
		}
		students = append(students, s)
	}

	sort.SliceStable(students, func(i, j int) bool {
		a, b := students[i], students[j]
		if a.IsTestStudent() != b.IsTestStudent() {
			return !a.IsTestStudent()
		}
		an, bn := strings.ToLower(a.User.SortableName), strings.ToLower(b.User.SortableName)
		if an != bn {
			return an < bn
		}
		return a.User.ID < b.User.ID
	})

	return students
}

// hasDeterminableScore falls back to the grading period finals when the course
// total is hidden.
func (f *Formatter) hasDeterminableScore(s model.Student) bool {
	if res := f.results[s.User.ID]; res != nil {
		if f.opts.ExcludeTotal {
			for _, p := range res.Periods {
				if p.Final.Score != nil {
					return true
				}
			}
		} else if res.Total != nil && res.Total.Final.Score != nil {
			return true
		}
	}
	return f.overrideScore(s) != nil
}

func (f *Formatter) overrideScore(s model.Student) *float64 {
	if !f.opts.OverridesActive {
		return nil
	}
	stored, ok := f.book.StoredCourseScore(s.PrimaryEnrollment().ID)
	if !ok {
		return nil
	}
	return stored.OverrideScore
}

// Rows returns the header rows followed by one row per exported student.
func (f *Formatter) Rows() [][]string {
	rows := [][]string{f.Header()}
	if muted := f.MutedRow(); muted != nil {
		rows = append(rows, muted)
	}
	rows = append(rows, f.PointsPossibleRow())
	for _, s := range f.Students() {
		rows = append(rows, f.FormatRow(s))
	}
	return rows
}

func (f *Formatter) FormatRow(s model.Student) []string {
	row := make([]string, len(f.columns))
	res := f.results[s.User.ID]
	subs := f.book.SubmissionsFor(s.User.ID)
	login := f.loginPseudonym(s)

	for i, c := range f.columns {
		switch c.kind {
		case colStudent:
			row[i] = s.User.Name
			if f.book.Course.ListStudentsBySortable {
				row[i] = s.User.SortableName
			}
		case colID:
			row[i] = strconv.FormatInt(s.User.ID, 10)
		case colSISUserID:
			if login != nil && login.SISUserID != nil {
				row[i] = *login.SISUserID
			}
		case colSISLoginID:
			if login != nil {
				row[i] = login.UniqueID
			}
		case colIntegrationID:
			if login != nil && login.IntegrationID != nil {
				row[i] = *login.IntegrationID
			}
		case colSection:
			row[i] = f.sectionNames(s)
		case colAssignment:
			row[i] = assignmentCell(c.assignment, s.User.ID, subs)
		case colGroup:
			if res != nil {
				if g, ok := res.Group(c.scopeID); ok {
					row[i] = summaryCell(&g.Bucket, c.field)
				}
			}
		case colPeriod:
			if res != nil {
				if p, ok := res.Period(c.scopeID); ok {
					row[i] = summaryCell(&p.Bucket, c.field)
				}
			}
		case colTotal:
			if res != nil && res.Total != nil {
				row[i] = f.totalCell(res.Total, c.field)
			}
		case colOverride:
			row[i] = f.overrideCell(s, c.field)
		}
	}

	return row
}

func (f *Formatter) loginPseudonym(s model.Student) *model.Pseudonym {
	var found *model.Pseudonym
	for i := range s.Pseudonyms {
		p := &s.Pseudonyms[i]
		if p.AccountID != f.book.Course.RootAccountID {
			continue
		}
		if p.HasSISID() {
			return p
		}
		if found == nil {
			found = p
		}
	}
	return found
}

func (f *Formatter) sectionNames(s model.Student) string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range s.Enrollments {
		section, ok := f.book.Sections[e.SectionID]
		if !ok || seen[section.Name] {
			continue
		}
		seen[section.Name] = true
		names = append(names, section.Name)
	}
	sort.Strings(names)
	return toSentence(names)
}

func assignmentCell(asg model.Assignment, userID int64, subs map[int64]model.Submission) string {
	if !asg.VisibleToUser(userID) {
		return notVisibleCell
	}
	sub, ok := subs[asg.ID]
	if !ok {
		return ""
	}
	if sub.Excused {
		return excusedCell
	}
	if sub.Score == nil {
		return ""
	}
	switch asg.GradingType {
	case model.GradingLetter, model.GradingGPAScale, model.GradingPercent, model.GradingPassFail:
		if sub.Grade != "" {
			return sub.Grade
		}
	}
	return formatNumber(*sub.Score)
}

func summaryCell(b *grading.Bucket, fl field) string {
	switch fl {
	case fieldCurrentPoints:
		return formatPoints(b.Current.Earned)
	case fieldFinalPoints:
		return formatPoints(b.Final.Earned)
	case fieldCurrentScore:
		return formatScore(b.Current.Score)
	case fieldUnpostedCurrentScore:
		return formatScore(b.UnpostedCurrent.Score)
	case fieldFinalScore:
		return formatScore(b.Final.Score)
	case fieldUnpostedFinalScore:
		return formatScore(b.UnpostedFinal.Score)
	}
	return ""
}

func (f *Formatter) totalCell(b *grading.Bucket, fl field) string {
	switch fl {
	case fieldCurrentGrade:
		return f.grade(b.Current.Score)
	case fieldUnpostedCurrentGrade:
		return f.grade(b.UnpostedCurrent.Score)
	case fieldFinalGrade:
		return f.grade(b.Final.Score)
	case fieldUnpostedFinalGrade:
		return f.grade(b.UnpostedFinal.Score)
	}
	return summaryCell(b, fl)
}

func (f *Formatter) overrideCell(s model.Student, fl field) string {
	override := f.overrideScore(s)
	if fl == fieldOverrideGrade {
		return f.grade(override)
	}
	return formatScore(override)
}

func (f *Formatter) grade(score *float64) string {
	if score == nil {
		return ""
	}
	grade, _ := grading.ScoreToGrade(*score, f.book.GradingStandard)
	return grade
}

func formatScore(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func formatPoints(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toSentence(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}
