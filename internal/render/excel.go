package render

import (
	"bytes"

	"github.com/xuri/excelize/v2"

	"reportflow/internal/domain"
	"reportflow/internal/report"
)

// Excel renders an .xlsx workbook with one sheet: bold header row, then data.
type Excel struct{}

func (Excel) Format() domain.Format { return domain.FormatExcel }

func (Excel) Render(rs *report.ResultSet, opts Options) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Report"
	if opts.Title != "" {
		sheet = opts.Title
	}
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	f.DeleteSheet("Sheet1")

	header := make([]interface{}, len(rs.Columns))
	for i, c := range rs.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}
	boldStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		endCell, _ := excelize.CoordinatesToCellName(len(rs.Columns), 1)
		_ = f.SetCellStyle(sheet, "A1", endCell, boldStyle)
	}

	for rowIdx, row := range rs.Rows {
		cells := make([]interface{}, len(row))
		for i, v := range row {
			cells[i] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, rowIdx+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
