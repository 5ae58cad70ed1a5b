// Package store persists output records, the watermark and run history.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Records. GetRecord returns nil without error for an unknown id.
	GetRecord(ctx context.Context, eventID string) (*model.OutputRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*model.OutputRecord, error)

	// Commit overwrites every record in records and stores wm as the new
	// watermark. Either all of it lands or none of it does.
	Commit(ctx context.Context, records []*model.OutputRecord, wm time.Time) error

	// Watermark
	LoadWatermark(ctx context.Context) (time.Time, error)
	SaveWatermark(ctx context.Context, wm time.Time) error

	// Runs
	SaveRun(ctx context.Context, run *model.BatchResult) error
	ListRuns(ctx context.Context, limit int) ([]model.BatchResult, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func (f RecordFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// page applies filter to records already sorted by id.
func page(records []*model.OutputRecord, f RecordFilter) []*model.OutputRecord {
	var out []*model.OutputRecord
	skipped := 0
	for _, r := range records {
		if f.Type != "" && r.TypeName != f.Type && r.Type.String() != f.Type {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if len(out) == f.limit() {
			break
		}
	}
	return out
}

func sortRuns(runs []model.BatchResult) {
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
}

func validateRecords(records []*model.OutputRecord) error {
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r == nil || r.ID == "" {
			return eris.New("store: commit: record without id")
		}
		if seen[r.ID] {
			return eris.Errorf("store: commit: duplicate record %s", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}
