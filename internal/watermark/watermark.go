// Package watermark tracks the timestamp at or below which every image has
// already been processed.
package watermark

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// StateStore persists the watermark.
type StateStore interface {
	LoadWatermark(ctx context.Context) (time.Time, error)
	SaveWatermark(ctx context.Context, wm time.Time) error
}

// Next returns the watermark that follows current once a run that started
// at captured has completed. It never moves backwards.
func Next(current, captured time.Time) time.Time {
	if captured.Before(current) {
		return current
	}
	return captured.UTC()
}

// Tracker reads and advances the persisted watermark.
type Tracker struct {
	store StateStore
}

// NewTracker creates a Tracker over store.
func NewTracker(store StateStore) *Tracker {
	return &Tracker{store: store}
}

// Current returns the persisted watermark. A store that has never been
// written returns the zero time, which selects every image.
func (t *Tracker) Current(ctx context.Context) (time.Time, error) {
	wm, err := t.store.LoadWatermark(ctx)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "watermark: load")
	}
	return wm.UTC(), nil
}

// Advance persists Next(current, captured) and returns it. Pipeline runs
// apply Next themselves so the watermark lands in the same commit as the
// records.
func (t *Tracker) Advance(ctx context.Context, captured time.Time) (time.Time, error) {
	current, err := t.Current(ctx)
	if err != nil {
		return time.Time{}, err
	}
	next := Next(current, captured)
	if captured.Before(current) {
		zap.L().Warn("watermark: refusing to move backwards",
			zap.Time("current", current),
			zap.Time("requested", captured),
		)
	}
	if err := t.store.SaveWatermark(ctx, next); err != nil {
		return time.Time{}, eris.Wrap(err, "watermark: save")
	}
	return next, nil
}

// Reset overwrites the watermark unconditionally, for operators who need
// to reprocess a window.
func (t *Tracker) Reset(ctx context.Context, wm time.Time) error {
	if err := t.store.SaveWatermark(ctx, wm.UTC()); err != nil {
		return eris.Wrap(err, "watermark: reset")
	}
	zap.L().Info("watermark: reset", zap.Time("watermark", wm.UTC()))
	return nil
}
