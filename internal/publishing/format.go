package publishing

import (
	"context"
	"sort"

	"grade-publisher/internal/model"
)

// Batch is one post to the SIS endpoint. A nil Payload means the enrollments have
// nothing sendable and are marked unpublishable instead of posted.
type Batch struct {
	EnrollmentIDs []int64
	Payload       []byte
	MimeType      string
	Headers       map[string]string
}

type GenerateInput struct {
	Course                     model.Course
	Enrollments                []model.Enrollment
	PublishingUser             model.User
	PublishingPseudonym        *model.Pseudonym
	GradingStandard            *model.GradingStandard
	IncludeFinalGradeOverrides bool
}

// ExportFormat turns a course roster into batches for the SIS endpoint.
type ExportFormat interface {
	Name() string
	RequiresGradingStandard() bool
	RequiresPublishingPseudonym() bool
	Generate(ctx context.Context, in GenerateInput) ([]Batch, error)
}

// Registry holds the export formats known to this process. It is built once at
// startup and only read afterwards.
type Registry struct {
	formats map[string]ExportFormat
}

func NewRegistry(formats ...ExportFormat) *Registry {
	r := &Registry{formats: make(map[string]ExportFormat, len(formats))}
	for _, f := range formats {
		r.formats[f.Name()] = f
	}
	return r
}

func (r *Registry) Lookup(name string) (ExportFormat, bool) {
	f, ok := r.formats[name]
	return f, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formats))
	for name := range r.formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
