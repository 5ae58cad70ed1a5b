// Package monitoring watches ingestion health from the run history and
// posts webhook alerts when it degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

// maxRuns bounds the history read for one snapshot.
const maxRuns = 10000

// Snapshot holds a point-in-time view of ingestion health.
type Snapshot struct {
	// Runs within the lookback window.
	Runs           int `json:"runs"`
	Selected       int `json:"selected"`
	Accepted       int `json:"accepted"`
	OffTopic       int `json:"off_topic"`
	TypeMismatch   int `json:"type_mismatch"`
	Placeholders   int `json:"placeholders"`
	RecordsWritten int `json:"records_written"`

	AcceptRate      float64 `json:"accept_rate"`
	PlaceholderRate float64 `json:"placeholder_rate"`

	LastRunAt time.Time `json:"last_run_at,omitempty"`
	Watermark time.Time `json:"watermark,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// WatermarkAge returns how far the watermark trails the collection time.
// A zero watermark has no age.
func (s *Snapshot) WatermarkAge() time.Duration {
	if s.Watermark.IsZero() {
		return 0
	}
	return s.CollectedAt.Sub(s.Watermark)
}

// RunSource is the part of the store the collector reads.
type RunSource interface {
	ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error)
	LoadWatermark(ctx context.Context) (time.Time, error)
}

// Collector gathers snapshots from the store.
type Collector struct {
	src RunSource
	now func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(src RunSource) *Collector {
	return &Collector{src: src, now: time.Now}
}

// Collect builds a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.src.ListRuns(ctx, maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.After(snap.LastRunAt) {
			snap.LastRunAt = r.StartedAt
		}
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.Runs++
		snap.RecordsWritten += r.RecordsWritten
		for _, e := range r.Events {
			snap.Selected += e.Selected
			snap.Accepted += e.Accepted
			snap.OffTopic += e.OffTopic
			snap.TypeMismatch += e.TypeMismatch
			snap.Placeholders += e.Placeholders
		}
	}
	if snap.Selected > 0 {
		snap.AcceptRate = float64(snap.Accepted) / float64(snap.Selected)
		snap.PlaceholderRate = float64(snap.Placeholders) / float64(snap.Selected)
	}

	wm, err := c.src.LoadWatermark(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: load watermark")
	}
	snap.Watermark = wm.UTC()

	return snap, nil
}
