package gradebook

import (
	"bytes"
	"fmt"
	"io"

	"grade-publisher/internal/model"
	"grade-publisher/pkg/errors"

	"github.com/xuri/excelize/v2"
)

const defaultSheetName = "Gradebook"

type XLSXRenderer struct {
	SheetName string
}

func (r *XLSXRenderer) Format() model.ExportFormat {
	return model.ExportXLSX
}

func (r *XLSXRenderer) Render(w io.Writer, rows [][]string) error {
	file := excelize.NewFile()
	defer file.Close()

	sheet := r.SheetName
	if sheet == "" {
		sheet = defaultSheetName
	}
	if err := file.SetSheetName(file.GetSheetName(0), sheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := file.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}

	if err := file.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// ReadXLSX returns the rows of the first worksheet of a workbook.
func ReadXLSX(data []byte) ([][]string, error) {
	file, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer file.Close()

	sheets := file.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.ErrEmptyPayload
	}

	rows, err := file.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	return rows, nil
}
