package render

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"reportflow/internal/domain"
	"reportflow/internal/report"
)

func sampleResults() *report.ResultSet {
	return &report.ResultSet{
		Columns: []string{"region", "amount"},
		Rows:    [][]string{{"East", "1200"}, {"West", "340"}},
		Meta:    report.QueryMeta{RowCount: 2},
	}
}

func TestCSVRender(t *testing.T) {
	out, err := CSV{}.Render(sampleResults(), Options{})
	require.NoError(t, err)
	assert.Equal(t, "region,amount\nEast,1200\nWest,340\n", string(out))
}

func TestJSONRender(t *testing.T) {
	out, err := JSON{}.Render(sampleResults(), Options{})
	require.NoError(t, err)

	var records []map[string]string
	require.NoError(t, json.Unmarshal(out, &records))
	require.Len(t, records, 2)
	assert.Equal(t, "East", records[0]["region"])
	assert.Equal(t, "340", records[1]["amount"])
}

func TestJSONRenderEmpty(t *testing.T) {
	out, err := JSON{}.Render(&report.ResultSet{Columns: []string{"a"}}, Options{})
	require.NoError(t, err)
	var records []map[string]string
	require.NoError(t, json.Unmarshal(out, &records))
	assert.Empty(t, records)
}

func TestExcelRenderRoundTrips(t *testing.T) {
	out, err := Excel{}.Render(sampleResults(), Options{Title: "Quarterly Sales"})
	require.NoError(t, err)
	require.NotEmpty(t, out)

	f, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"region", "amount"}, rows[0])
	assert.Equal(t, []string{"East", "1200"}, rows[1])
}

func TestPDFRenderProducesDocument(t *testing.T) {
	out, err := PDF{}.Render(sampleResults(), Options{Title: "Quarterly Sales"})
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, "%PDF", string(out[:4]))
}

func TestRegistryUnknownFormat(t *testing.T) {
	_, err := DefaultRegistry().Render("tsv", sampleResults(), Options{})
	assert.True(t, errors.Is(err, domain.ErrConfiguration))
}
