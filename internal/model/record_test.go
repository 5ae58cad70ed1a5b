package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputRecord_JSONRoundTrip(t *testing.T) {
	var ev Event
	require.NoError(t, json.Unmarshal([]byte(sampleEvent), &ev))
	require.NoError(t, ev.Normalize())

	rec := OutputRecord{
		Event:             ev,
		AverageConfidence: 0.75,
		Count:             2,
		Extent:            &Extent{MinLat: 36.8929, MinLon: 37.1893, MaxLat: 37.0143, MaxLon: 37.2256},
		UpdatedAt:         time.Date(2023, 2, 7, 0, 0, 0, 0, time.UTC),
	}
	rec.Images[0] = rec.Images[0].WithConfidence(0.7)
	rec.Images[1] = rec.Images[1].WithConfidence(0.8)

	b, err := json.Marshal(rec)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	assert.InDelta(t, 0.75, generic["average_accuracy"], 1e-12)
	assert.EqualValues(t, 2, generic["count"])
	assert.Equal(t, "Turkey", generic["country"])
	first := generic["images"].([]any)[0].(map[string]any)
	assert.InDelta(t, 0.7, first["accuracy_score"], 1e-12)

	var back OutputRecord
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, DisasterEarthquake, back.Type)
	assert.InDelta(t, 0.75, back.AverageConfidence, 1e-12)
	assert.Equal(t, 2, back.Count)
	require.NotNil(t, back.Extent)
	assert.Equal(t, *rec.Extent, *back.Extent)
	assert.True(t, rec.UpdatedAt.Equal(back.UpdatedAt))
	require.Len(t, back.Images, 2)
	assert.InDelta(t, 0.8, back.Images[1].Score(), 1e-12)
	assert.Contains(t, back.Metadata, "country")
	assert.NotContains(t, back.Metadata, "average_accuracy")
	assert.NotContains(t, back.Metadata, "count")
}

func TestOutputRecord_CountDefaultsToImages(t *testing.T) {
	payload := `{"id":"e1","type":"flood","average_accuracy":0.5,
		"images":[{"URLImage":"u1","date":"2023-01-01","accuracy_score":0.5}]}`

	var rec OutputRecord
	require.NoError(t, json.Unmarshal([]byte(payload), &rec))
	assert.Equal(t, 1, rec.Count)
	assert.Nil(t, rec.Metadata)
}

func TestOutputRecord_CloneDoesNotAlias(t *testing.T) {
	rec := &OutputRecord{Event: Event{ID: "e1", Images: make([]Image, 1, 4)}}
	c := rec.Clone()
	c.Images = append(c.Images, Image{URL: "new"})
	c.Images[0].URL = "changed"

	assert.Len(t, rec.Images, 1)
	assert.Empty(t, rec.Images[0].URL)
	assert.Nil(t, (*OutputRecord)(nil).Clone())
}

func TestOutputRecord_Keys(t *testing.T) {
	ts := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	img := Image{URL: "u1", Date: ts}
	rec := &OutputRecord{Event: Event{ID: "e1", Images: []Image{img.WithConfidence(0.9)}}}

	keys := rec.Keys()
	assert.Contains(t, keys, img.Key("e1"))
	assert.Len(t, keys, 1)
}

func TestTensor_Shapes(t *testing.T) {
	z := ZeroTensor()
	assert.Equal(t, []int{1, 256, 256, 3}, z.Shape)
	assert.Equal(t, z.Len(), len(z.Data))
	assert.False(t, z.Placeholder)
	assert.True(t, z.AsPlaceholder().Placeholder)
	assert.Equal(t, 0, Tensor{}.Len())
}
