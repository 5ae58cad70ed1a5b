// Package aggregate folds newly accepted images into an event's output
// record with a closed-form running mean, never rescanning history.
package aggregate

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

var (
	// ErrNothingToMerge is returned when no images are supplied.
	ErrNothingToMerge = eris.New("aggregate: nothing to merge")
	// ErrCountMismatch is returned when images and scores differ in length.
	ErrCountMismatch = eris.New("aggregate: image and score counts differ")
	// ErrInvalidScore is returned for scores outside [0, 1].
	ErrInvalidScore = eris.New("aggregate: score out of range")
	// ErrEventMismatch is returned when the record belongs to another event.
	ErrEventMismatch = eris.New("aggregate: record belongs to another event")
)

// IncrementalMean returns the mean of n values averaging avg plus the
// values in add.
func IncrementalMean(avg float64, n int, add []float64) float64 {
	total := n + len(add)
	if total == 0 {
		return 0
	}
	sum := avg * float64(n)
	for _, s := range add {
		sum += s
	}
	return sum / float64(total)
}

// Merge returns the record that results from appending images, each with
// its score attached, to existing. existing may be nil for an event's first
// acceptance; it is never modified. The event's current payload fields
// (type, metadata) replace the stored ones.
func Merge(existing *model.OutputRecord, event model.Event, images []model.Image, scores []float64, now time.Time) (*model.OutputRecord, error) {
	if len(images) != len(scores) {
		return nil, eris.Wrapf(ErrCountMismatch, "event %s: %d images, %d scores", event.ID, len(images), len(scores))
	}
	if len(images) == 0 {
		return nil, eris.Wrapf(ErrNothingToMerge, "event %s", event.ID)
	}
	for i, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			return nil, eris.Wrapf(ErrInvalidScore, "event %s: image %d scored %v", event.ID, i, s)
		}
	}

	var rec *model.OutputRecord
	if existing == nil {
		rec = &model.OutputRecord{}
	} else {
		if existing.ID != event.ID {
			return nil, eris.Wrapf(ErrEventMismatch, "record %s, event %s", existing.ID, event.ID)
		}
		rec = existing.Clone()
	}

	oldN := len(rec.Images)
	oldAvg := rec.AverageConfidence

	meta := rec.Metadata
	if event.Metadata != nil {
		meta = event.Metadata
	}
	accepted := rec.Images
	for i, img := range images {
		accepted = append(accepted, img.WithConfidence(scores[i]))
	}

	rec.Event = model.Event{
		ID:       event.ID,
		Type:     event.Type,
		TypeName: event.TypeName,
		Images:   accepted,
		Metadata: meta,
	}
	rec.AverageConfidence = IncrementalMean(oldAvg, oldN, scores)
	rec.Count = len(accepted)
	rec.UpdatedAt = now.UTC()
	return rec, nil
}
