// Package render turns a result set into a byte artifact in one of the
// supported output formats.
package render

import (
	"bytes"
	"encoding/csv"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"reportflow/internal/domain"
	"reportflow/internal/report"
)

// Options tweak renderer output; zero value is fine for every format.
type Options struct {
	Title string
}

// Renderer produces an artifact for one format.
type Renderer interface {
	Format() domain.Format
	Render(rs *report.ResultSet, opts Options) ([]byte, error)
}

// Registry holds one renderer per format.
type Registry struct {
	renderers map[domain.Format]Renderer
}

// NewRegistry registers the given renderers; the last one for a format wins.
func NewRegistry(rr ...Renderer) *Registry {
	m := make(map[domain.Format]Renderer, len(rr))
	for _, r := range rr {
		m[r.Format()] = r
	}
	return &Registry{renderers: m}
}

// DefaultRegistry covers all supported formats.
func DefaultRegistry() *Registry {
	return NewRegistry(CSV{}, JSON{}, Excel{}, PDF{})
}

// Render dispatches on format. Failures are transient: one format's
// renderer breaking must not block the other requested formats.
func (g *Registry) Render(f domain.Format, rs *report.ResultSet, opts Options) ([]byte, error) {
	r, ok := g.renderers[f]
	if !ok {
		return nil, domain.Configf("no renderer for format %q", f)
	}
	out, err := r.Render(rs, opts)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "render %s", f), domain.ErrTransient)
	}
	return out, nil
}

// CSV renders a header row followed by data rows.
type CSV struct{}

func (CSV) Format() domain.Format { return domain.FormatCSV }

func (CSV) Render(rs *report.ResultSet, _ Options) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(rs.Columns); err != nil {
		return nil, err
	}
	for _, row := range rs.Rows {
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// JSON renders an array of column-keyed objects.
type JSON struct{}

func (JSON) Format() domain.Format { return domain.FormatJSON }

func (JSON) Render(rs *report.ResultSet, _ Options) ([]byte, error) {
	records := make([]map[string]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		rec := make(map[string]string, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return json.MarshalIndent(records, "", "  ")
}
