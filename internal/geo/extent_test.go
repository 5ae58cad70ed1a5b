package geo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/imagefilter/internal/model"
)

func eventWithLocations(raw string) model.Event {
	return model.Event{ID: "e1", Metadata: map[string]json.RawMessage{LocationsKey: json.RawMessage(raw)}}
}

func TestExtent(t *testing.T) {
	ev := eventWithLocations(`[[37.0143, 37.2256], [36.8929, 37.1893], [38.1847, 38.248]]`)
	ext := Extent(ev)
	require.NotNil(t, ext)
	assert.InDelta(t, 36.8929, ext.MinLat, 1e-9)
	assert.InDelta(t, 38.1847, ext.MaxLat, 1e-9)
	assert.InDelta(t, 37.1893, ext.MinLon, 1e-9)
	assert.InDelta(t, 38.248, ext.MaxLon, 1e-9)
}

func TestExtent_SinglePoint(t *testing.T) {
	ext := Extent(eventWithLocations(`[[10, 20]]`))
	require.NotNil(t, ext)
	assert.Equal(t, model.Extent{MinLat: 10, MinLon: 20, MaxLat: 10, MaxLon: 20}, *ext)
}

func TestExtent_Absent(t *testing.T) {
	assert.Nil(t, Extent(model.Event{ID: "e1"}))
	assert.Nil(t, Extent(eventWithLocations(`[]`)))
	assert.Nil(t, Extent(eventWithLocations(`"somewhere"`)))
	assert.Nil(t, Extent(eventWithLocations(`[[100, 20], [1]]`)))
}

func TestPoints_SkipsInvalid(t *testing.T) {
	mp, err := Points(json.RawMessage(`[[10, 20], [95, 0], [0, 200], [1, 2, 3], [-5, -6]]`))
	require.NoError(t, err)
	require.Equal(t, 2, mp.NumPoints())
	assert.Equal(t, []float64{20, 10}, mp.Point(0).FlatCoords())
	assert.Equal(t, 4326, mp.SRID())
}
