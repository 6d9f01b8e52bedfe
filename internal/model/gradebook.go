package model

// Student is one user of the roster with all of their enrollments in the course.
type Student struct {
	User        User         `json:"user"`
	Enrollments []Enrollment `json:"enrollments"`
	Pseudonyms  []Pseudonym  `json:"pseudonyms,omitempty"`
}

// PrimaryEnrollment is the first active enrollment, falling back to the first one.
func (s Student) PrimaryEnrollment() Enrollment {
	for _, e := range s.Enrollments {
		if e.IsActive() {
			return e
		}
	}
	return s.Enrollments[0]
}

func (s Student) IsTestStudent() bool {
	for _, e := range s.Enrollments {
		if !e.IsTestStudent() {
			return false
		}
	}
	return len(s.Enrollments) > 0
}

// Gradebook is a request-scoped snapshot of everything needed to score and export a course.
type Gradebook struct {
	Course           Course
	Sections         map[int64]Section
	Students         []Student
	AssignmentGroups []AssignmentGroup
	// user id -> assignment id -> submission
	Submissions     map[int64]map[int64]Submission
	GradingPeriods  *GradingPeriodGroup
	GradingStandard *GradingStandard
	// enrollment id -> stored score rows
	Scores map[int64][]Score
}

func (g *Gradebook) SubmissionsFor(userID int64) map[int64]Submission {
	if g.Submissions == nil {
		return nil
	}
	return g.Submissions[userID]
}

// StoredCourseScore returns the persisted course-level score row for an enrollment.
func (g *Gradebook) StoredCourseScore(enrollmentID int64) (Score, bool) {
	for _, s := range g.Scores[enrollmentID] {
		if s.CourseScore() {
			return s, true
		}
	}
	return Score{}, false
}
