package gradebook

import (
	"encoding/csv"
	"fmt"
	"io"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"
)

// Renderer writes formatted gradebook rows in one file format.
type Renderer interface {
	Render(w io.Writer, rows [][]string) error
	Format() model.ExportFormat
}

func NewRenderer(format model.ExportFormat) (Renderer, error) {
	switch format {
	case model.ExportCSV, "":
		return &CSVRenderer{}, nil
	case model.ExportXLSX:
		return &XLSXRenderer{SheetName: defaultSheetName}, nil
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedFormat, format)
	}
}

type CSVRenderer struct{}

func (r *CSVRenderer) Format() model.ExportFormat {
	return model.ExportCSV
}

func (r *CSVRenderer) Render(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

// WriteCSV renders the whole gradebook as CSV.
func (f *Formatter) WriteCSV(w io.Writer) error {
	return (&CSVRenderer{}).Render(w, f.Rows())
}

// WriteXLSX renders the whole gradebook as a single-sheet workbook.
func (f *Formatter) WriteXLSX(w io.Writer) error {
	return (&XLSXRenderer{SheetName: defaultSheetName}).Render(w, f.Rows())
}
