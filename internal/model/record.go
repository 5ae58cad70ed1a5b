package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Extent is the bounding box of an event's reported locations.
type Extent struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// OutputRecord is the persisted, per-event aggregate of accepted images.
// It is created on first acceptance and afterwards only merge-appended.
type OutputRecord struct {
	Event

	AverageConfidence float64   `json:"-"`
	Count             int       `json:"-"`
	Extent            *Extent   `json:"-"`
	UpdatedAt         time.Time `json:"-"`
}

// Clone returns a deep enough copy for staging: the image slice is copied
// so appends never alias the original backing array.
func (r *OutputRecord) Clone() *OutputRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Images = append([]Image(nil), r.Images...)
	if r.Extent != nil {
		ext := *r.Extent
		c.Extent = &ext
	}
	return &c
}

// Keys returns the idempotency keys of every accepted image.
func (r *OutputRecord) Keys() map[string]struct{} {
	keys := make(map[string]struct{}, len(r.Images))
	for _, img := range r.Images {
		keys[img.Key(r.ID)] = struct{}{}
	}
	return keys
}

func (r OutputRecord) MarshalJSON() ([]byte, error) {
	out := r.Event.members()
	out[keyAverage] = r.AverageConfidence
	out[keyCount] = r.Count
	if r.Extent != nil {
		out[keyExtent] = r.Extent
	}
	if !r.UpdatedAt.IsZero() {
		out[keyUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

func (r *OutputRecord) UnmarshalJSON(b []byte) error {
	var rec OutputRecord
	if err := json.Unmarshal(b, &rec.Event); err != nil {
		return err
	}
	meta := rec.Metadata

	if v, ok := meta[keyAverage]; ok {
		if err := json.Unmarshal(v, &rec.AverageConfidence); err != nil {
			return eris.Wrapf(err, "record %s: %s", rec.ID, keyAverage)
		}
		delete(meta, keyAverage)
	}
	if v, ok := meta[keyCount]; ok {
		if err := json.Unmarshal(v, &rec.Count); err != nil {
			return eris.Wrapf(err, "record %s: %s", rec.ID, keyCount)
		}
		delete(meta, keyCount)
	} else {
		rec.Count = len(rec.Images)
	}
	if v, ok := meta[keyExtent]; ok {
		var ext Extent
		if err := json.Unmarshal(v, &ext); err != nil {
			return eris.Wrapf(err, "record %s: %s", rec.ID, keyExtent)
		}
		rec.Extent = &ext
		delete(meta, keyExtent)
	}
	if v, ok := meta[keyUpdatedAt]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				rec.UpdatedAt = ts
			}
		}
		delete(meta, keyUpdatedAt)
	}
	if len(meta) == 0 {
		rec.Metadata = nil
	}
	if t, err := ParseDisasterType(rec.TypeName); err == nil {
		rec.Type = t
	}

	*r = rec
	return nil
}
