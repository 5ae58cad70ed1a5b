package export

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/imagefilter/internal/model"
)

func testRecords() []*model.OutputRecord {
	ts := time.Date(2023, 2, 6, 1, 17, 34, 0, time.UTC)
	return []*model.OutputRecord{
		{
			Event: model.Event{
				ID:       "gr1-Turkey-2023_02_06-earthquake",
				Type:     model.DisasterEarthquake,
				TypeName: "earthquake",
				Images: []model.Image{
					model.Image{URL: "https://img.example/a.jpg", Date: ts}.WithConfidence(0.8),
					model.Image{URL: "https://img.example/b.jpg", Date: ts.Add(time.Hour)}.WithConfidence(0.6),
				},
				Metadata: map[string]json.RawMessage{"country": json.RawMessage(`"Turkey"`)},
			},
			AverageConfidence: 0.7,
			Count:             2,
			Extent:            &model.Extent{MinLat: 36.89, MinLon: 37.18, MaxLat: 37.01, MaxLon: 37.22},
			UpdatedAt:         ts.Add(24 * time.Hour),
		},
		{
			Event: model.Event{
				ID:       "f1",
				Type:     model.DisasterFlood,
				TypeName: "flood",
				Images:   []model.Image{model.Image{URL: "u", Date: ts}.WithConfidence(0.5)},
			},
			AverageConfidence: 0.5,
			Count:             1,
			UpdatedAt:         ts,
		},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "json", testRecords()))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "Turkey", out[0]["country"])
	assert.InDelta(t, 0.7, out[0]["average_accuracy"], 1e-9)
}

func TestWriteJSON_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil))
	assert.JSONEq(t, `[]`, buf.String())
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "YAML", testRecords()))

	var out []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "gr1-Turkey-2023_02_06-earthquake", out[0]["id"])
	assert.Equal(t, "Turkey", out[0]["country"])
	assert.Equal(t, 2, out[0]["count"])
	images := out[0]["images"].([]any)
	require.Len(t, images, 2)
	assert.Equal(t, "https://img.example/a.jpg", images[0].(map[string]any)["URLImage"])
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "xlsx", testRecords()))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)

	recs, ok := f.Sheet[SheetRecords]
	require.True(t, ok)
	require.Len(t, recs.Rows, 3)
	assert.Equal(t, "id", recs.Rows[0].Cells[0].String())
	assert.Equal(t, "gr1-Turkey-2023_02_06-earthquake", recs.Rows[1].Cells[0].String())
	assert.Equal(t, "earthquake", recs.Rows[1].Cells[1].String())
	n, err := recs.Rows[1].Cells[2].Int()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	avg, err := recs.Rows[1].Cells[3].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.7, avg, 1e-9)
	assert.Equal(t, "2023-02-07T01:17:34Z", recs.Rows[1].Cells[8].String())

	imgs, ok := f.Sheet[SheetImages]
	require.True(t, ok)
	require.Len(t, imgs.Rows, 4)
	assert.Equal(t, "https://img.example/b.jpg", imgs.Rows[2].Cells[1].String())
	assert.Equal(t, "2023-02-06 02:17:34", imgs.Rows[2].Cells[2].String())
	assert.Equal(t, "f1", imgs.Rows[3].Cells[0].String())
}

func TestWrite_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, "parquet", nil)
	assert.ErrorIs(t, err, ErrUnknownFormat)
	assert.Len(t, Formats(), 3)
}
