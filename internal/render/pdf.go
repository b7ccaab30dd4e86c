package render

import (
	"bytes"

	"github.com/go-pdf/fpdf"

	"reportflow/internal/domain"
	"reportflow/internal/report"
)

// PDF renders a landscape table: title, shaded header row, striped data rows.
type PDF struct{}

func (PDF) Format() domain.Format { return domain.FormatPDF }

func (PDF) Render(rs *report.ResultSet, opts Options) ([]byte, error) {
	doc := fpdf.New("L", "mm", "A4", "")
	doc.SetAutoPageBreak(true, 15)
	doc.AddPage()

	if opts.Title != "" {
		doc.SetFont("Helvetica", "B", 14)
		doc.CellFormat(0, 10, opts.Title, "", 1, "L", false, 0, "")
		doc.Ln(2)
	}

	pageW, _ := doc.GetPageSize()
	left, _, right, _ := doc.GetMargins()
	usable := pageW - left - right
	colW := usable / float64(max(len(rs.Columns), 1))

	doc.SetFont("Helvetica", "B", 9)
	doc.SetFillColor(230, 230, 230)
	for _, c := range rs.Columns {
		doc.CellFormat(colW, 7, c, "1", 0, "L", true, 0, "")
	}
	doc.Ln(-1)

	doc.SetFont("Helvetica", "", 8)
	fill := false
	doc.SetFillColor(245, 245, 245)
	for _, row := range rs.Rows {
		for i := range rs.Columns {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			doc.CellFormat(colW, 6, v, "1", 0, "L", fill, 0, "")
		}
		doc.Ln(-1)
		fill = !fill
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
