// Package geo derives spatial summaries from event metadata.
package geo

import (
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/model"
)

// LocationsKey is the event member listing reported [lat, lon] pairs.
const LocationsKey = "locations"

// Points decodes a locations member into a multipoint in lon/lat order.
// Pairs that are not two finite numbers within WGS84 range are skipped.
func Points(raw json.RawMessage) (*geom.MultiPoint, error) {
	var pairs [][]float64
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, eris.Wrap(err, "geo: decode locations")
	}

	flat := make([]float64, 0, 2*len(pairs))
	for i, p := range pairs {
		if len(p) != 2 || !validLat(p[0]) || !validLon(p[1]) {
			zap.L().Debug("geo: skipping location", zap.Int("index", i), zap.Float64s("pair", p))
			continue
		}
		flat = append(flat, p[1], p[0])
	}
	return geom.NewMultiPointFlat(geom.XY, flat).SetSRID(4326), nil
}

// Extent returns the bounding box of the event's locations member, or nil
// when the event reports none.
func Extent(ev model.Event) *model.Extent {
	raw, ok := ev.Metadata[LocationsKey]
	if !ok {
		return nil
	}
	mp, err := Points(raw)
	if err != nil {
		zap.L().Warn("geo: ignoring locations", zap.String("event_id", ev.ID), zap.Error(err))
		return nil
	}
	if mp.NumPoints() == 0 {
		return nil
	}
	b := mp.Bounds()
	return &model.Extent{
		MinLat: b.Min(1),
		MinLon: b.Min(0),
		MaxLat: b.Max(1),
		MaxLon: b.Max(0),
	}
}

func validLat(v float64) bool {
	return !math.IsNaN(v) && v >= -90 && v <= 90
}

func validLon(v float64) bool {
	return !math.IsNaN(v) && v >= -180 && v <= 180
}
