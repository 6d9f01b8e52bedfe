package publishing

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"strings"

	"grade-publisher/internal/grading"
	"grade-publisher/internal/model"
)

const InstructureCSVFormat = "instructure_csv"

var instructureCSVHeader = []string{
	"publisher_id", "publisher_sis_id",
	"course_id", "course_sis_id",
	"section_id", "section_sis_id",
	"student_id", "student_sis_id",
	"enrollment_id", "enrollment_status",
	"score",
}

// CSVSource supplies the roster details the instructure_csv format needs.
type CSVSource interface {
	GetSections(ctx context.Context, courseID int64) (map[int64]model.Section, error)
	GetCourseScores(ctx context.Context, enrollmentIDs []int64) (map[int64]model.Score, error)
	GetSISPseudonyms(ctx context.Context, accountID int64, userIDs []int64) (map[int64][]model.Pseudonym, error)
}

// InstructureCSV posts every scored enrollment as one CSV document.
type InstructureCSV struct {
	source CSVSource
}

func NewInstructureCSV(source CSVSource) *InstructureCSV {
	return &InstructureCSV{source: source}
}

func (f *InstructureCSV) Name() string                      { return InstructureCSVFormat }
func (f *InstructureCSV) RequiresGradingStandard() bool     { return false }
func (f *InstructureCSV) RequiresPublishingPseudonym() bool { return false }

func (f *InstructureCSV) Generate(ctx context.Context, in GenerateInput) ([]Batch, error) {
	sections, err := f.source.GetSections(ctx, in.Course.ID)
	if err != nil {
		return nil, err
	}

	ids := enrollmentIDs(in.Enrollments)
	scores, err := f.source.GetCourseScores(ctx, ids)
	if err != nil {
		return nil, err
	}

	userIDs := make([]int64, len(in.Enrollments))
	for i, e := range in.Enrollments {
		userIDs[i] = e.UserID
	}
	pseudonyms, err := f.source.GetSISPseudonyms(ctx, in.Course.RootAccountID, userIDs)
	if err != nil {
		return nil, err
	}

	header := instructureCSVHeader
	if in.GradingStandard != nil {
		header = append(append([]string(nil), header...), "grade")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}

	publisherSISID := ""
	if in.PublishingPseudonym != nil && in.PublishingPseudonym.SISUserID != nil {
		publisherSISID = *in.PublishingPseudonym.SISUserID
	}
	overrides := in.IncludeFinalGradeOverrides && in.Course.FinalGradeOverridesActive()

	var included []int64
	for _, e := range in.Enrollments {
		score, ok := scores[e.ID]
		if !ok {
			continue
		}
		final := grading.EffectiveFinalScore(score, overrides)
		if final == nil {
			continue
		}
		included = append(included, e.ID)

		section := sections[e.SectionID]
		studentSISIDs := sisIDs(pseudonyms[e.UserID])
		if len(studentSISIDs) == 0 {
			studentSISIDs = []string{""}
		}

		for _, studentSISID := range studentSISIDs {
			row := []string{
				strconv.FormatInt(in.PublishingUser.ID, 10), publisherSISID,
				strconv.FormatInt(in.Course.ID, 10), deref(in.Course.SISSourceID),
				strconv.FormatInt(e.SectionID, 10), deref(section.SISSourceID),
				strconv.FormatInt(e.UserID, 10), studentSISID,
				strconv.FormatInt(e.ID, 10), string(e.WorkflowState),
				formatDecimal(*final),
			}
			if in.GradingStandard != nil {
				grade, _ := grading.ScoreToGrade(*final, in.GradingStandard)
				row = append(row, grade)
			}
			if err := w.Write(row); err != nil {
				return nil, err
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return []Batch{{EnrollmentIDs: included, Payload: buf.Bytes(), MimeType: "text/csv"}}, nil
}

func sisIDs(pseudonyms []model.Pseudonym) []string {
	var ids []string
	for _, p := range pseudonyms {
		if p.HasSISID() {
			ids = append(ids, *p.SISUserID)
		}
	}
	return ids
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// formatDecimal always keeps a fractional part: 95 renders as "95.0".
func formatDecimal(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
