// Package pipeline runs a batch of events through selection, resolution,
// classification and aggregation, then commits the resulting records
// together with the advanced watermark.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/aggregate"
	"github.com/sells-group/imagefilter/internal/gate"
	"github.com/sells-group/imagefilter/internal/geo"
	"github.com/sells-group/imagefilter/internal/ingest"
	"github.com/sells-group/imagefilter/internal/metrics"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/notify"
	"github.com/sells-group/imagefilter/internal/store"
	"github.com/sells-group/imagefilter/internal/watermark"
)

// Cleanup modes for scratch storage.
const (
	CleanupEvent = "event"
	CleanupBatch = "batch"
)

// ImageResolver turns a URL into a tensor, substituting the placeholder on
// failure.
type ImageResolver interface {
	Resolve(ctx context.Context, url string, slot int) model.Tensor
}

// Classifier is the two-stage gate.
type Classifier interface {
	Classify(ctx context.Context, t model.Tensor, target model.DisasterType) (gate.Decision, error)
}

// Scratch is the transient image storage the resolver writes into.
type Scratch interface {
	Clear() error
}

// Notifier receives progress messages. It must not block.
type Notifier interface {
	Publish(msg notify.Message)
}

// Deps are the collaborators of a Pipeline. Metrics and Notifier are
// optional.
type Deps struct {
	Store    store.Store
	Resolver ImageResolver
	Gate     Classifier
	Scratch  Scratch
	Metrics  *metrics.Metrics
	Notifier Notifier
}

// Options tunes a Pipeline.
type Options struct {
	// Cleanup is CleanupEvent or CleanupBatch.
	Cleanup string
	// Dedup skips images whose idempotency key was already accepted into
	// the event's record or seen earlier in the batch.
	Dedup bool
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Pipeline orchestrates one batch at a time.
type Pipeline struct {
	deps Deps
	opts Options
	mu   sync.Mutex
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.Cleanup == "" {
		opts.Cleanup = CleanupEvent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts}
}

// batch holds the state of one run until it is committed.
type batch struct {
	runID  string
	wm     time.Time
	now    time.Time
	staged map[string]*model.OutputRecord
	order  []string
	seen   map[string]struct{}
	slot   int
}

// Run processes events as one batch. The watermark is read once at the
// start and the new one, captured before any image is examined, is
// committed with every updated record at the end. Structural failures
// abort the batch with nothing written.
func (p *Pipeline) Run(ctx context.Context, events []model.Event) (*model.BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.opts.Now().UTC()
	b := &batch{
		runID:  uuid.New().String(),
		now:    start,
		staged: make(map[string]*model.OutputRecord),
		seen:   make(map[string]struct{}),
	}
	log := zap.L().With(zap.String("run_id", b.runID))

	res, err := p.run(ctx, log, b, events)
	elapsed := time.Since(start)
	if err != nil {
		log.Error("pipeline: batch aborted", zap.Int64("duration_ms", elapsed.Milliseconds()), zap.Error(err))
		p.deps.Metrics.ObserveAbort(elapsed)
		p.publish(notify.Message{Kind: notify.KindBatchAborted, RunID: b.runID, Error: err.Error()})
		return nil, err
	}

	res.DurationMs = elapsed.Milliseconds()
	if err := p.deps.Store.SaveRun(ctx, res); err != nil {
		log.Warn("pipeline: failed to record run", zap.Error(err))
	}
	p.deps.Metrics.ObserveBatch(res, elapsed)
	p.announce(res, b)

	log.Info("pipeline: batch committed",
		zap.Int("events", len(res.Events)),
		zap.Int("accepted", res.Accepted()),
		zap.Int("records_written", res.RecordsWritten),
		zap.Time("watermark", res.WatermarkAfter),
		zap.Int64("duration_ms", res.DurationMs),
	)
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, log *zap.Logger, b *batch, events []model.Event) (*model.BatchResult, error) {
	events, err := prepare(events)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := p.deps.Scratch.Clear(); err != nil {
			log.Warn("pipeline: scratch cleanup failed", zap.Error(err))
		}
	}()

	b.wm, err = p.deps.Store.LoadWatermark(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load watermark")
	}
	b.wm = b.wm.UTC()

	res := &model.BatchResult{
		RunID:           b.runID,
		StartedAt:       b.now,
		WatermarkBefore: b.wm,
		Events:          make([]model.EventResult, 0, len(events)),
	}

	for i := range events {
		er, err := p.processEvent(ctx, log, b, events[i])
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: event %s", events[i].ID)
		}
		res.Events = append(res.Events, er)

		if p.opts.Cleanup == CleanupEvent {
			if err := p.deps.Scratch.Clear(); err != nil {
				log.Warn("pipeline: scratch cleanup failed", zap.String("event_id", events[i].ID), zap.Error(err))
			}
		}
	}

	records := make([]*model.OutputRecord, 0, len(b.order))
	for _, id := range b.order {
		records = append(records, b.staged[id])
	}

	next := watermark.Next(b.wm, b.now)
	if err := p.deps.Store.Commit(ctx, records, next); err != nil {
		return nil, eris.Wrap(err, "pipeline: commit")
	}

	for i := range res.Events {
		if rec, ok := b.staged[res.Events[i].EventID]; ok {
			res.Events[i].AverageConfidence = rec.AverageConfidence
			res.Events[i].Count = rec.Count
		}
	}
	res.WatermarkAfter = next
	res.RecordsWritten = len(records)
	return res, nil
}

// prepare validates every event before any of them is processed. The
// caller's slices are not reordered.
func prepare(events []model.Event) ([]model.Event, error) {
	if len(events) == 0 {
		return nil, ingest.ErrEmptyBatch
	}
	out := make([]model.Event, len(events))
	for i, ev := range events {
		ev.Images = append([]model.Image(nil), ev.Images...)
		if err := ev.Normalize(); err != nil {
			return nil, eris.Wrapf(err, "pipeline: event %d", i)
		}
		out[i] = ev
	}
	return out, nil
}

// selectNew returns the index of the first image strictly newer than wm.
// Images must be sorted by date.
func selectNew(images []model.Image, wm time.Time) int {
	return sort.Search(len(images), func(i int) bool {
		return images[i].Date.After(wm)
	})
}

func (p *Pipeline) processEvent(ctx context.Context, log *zap.Logger, b *batch, ev model.Event) (model.EventResult, error) {
	er := model.EventResult{EventID: ev.ID, Type: ev.Type.String(), State: model.EventStateSelecting}
	log = log.With(zap.String("event_id", ev.ID))

	first := selectNew(ev.Images, b.wm)
	er.Skipped = first
	candidates := ev.Images[first:]
	if len(candidates) == 0 {
		er.State = model.EventStateNoNewImages
		log.Debug("pipeline: no new images", zap.Int("skipped", er.Skipped))
		return er, nil
	}

	existing, err := p.current(ctx, b, ev.ID)
	if err != nil {
		return er, err
	}
	var keys map[string]struct{}
	if p.opts.Dedup && existing != nil {
		keys = existing.Keys()
	}

	var (
		accepted []model.Image
		scores   []float64
	)
	for _, img := range candidates {
		if err := ctx.Err(); err != nil {
			return er, eris.Wrap(err, "pipeline: cancelled")
		}

		if p.opts.Dedup {
			key := img.Key(ev.ID)
			_, inRecord := keys[key]
			_, inBatch := b.seen[key]
			if inRecord || inBatch {
				er.Duplicates++
				continue
			}
			b.seen[key] = struct{}{}
		}
		er.Selected++

		er.State = model.EventStateResolving
		t := p.deps.Resolver.Resolve(ctx, img.URL, b.slot)
		b.slot++
		if t.Placeholder {
			er.Placeholders++
		}

		er.State = model.EventStateGating
		d, err := p.deps.Gate.Classify(ctx, t, ev.Type)
		if err != nil {
			return er, eris.Wrapf(err, "classify %s", model.ShortURL(img.URL))
		}
		if !d.Accepted {
			switch d.Reason {
			case model.RejectOffTopic:
				er.OffTopic++
			case model.RejectTypeMismatch:
				er.TypeMismatch++
			}
			log.Debug("pipeline: image rejected", zap.String("url", model.ShortURL(img.URL)), zap.String("reason", string(d.Reason)))
			continue
		}
		accepted = append(accepted, img)
		scores = append(scores, d.Confidence)
	}
	er.Accepted = len(accepted)

	if len(accepted) == 0 {
		er.State = model.EventStateNoAcceptedImages
		if er.Selected == 0 {
			er.State = model.EventStateNoNewImages
		}
		log.Info("pipeline: event produced no accepted images",
			zap.Int("selected", er.Selected),
			zap.Int("off_topic", er.OffTopic),
			zap.Int("type_mismatch", er.TypeMismatch),
		)
		return er, nil
	}

	er.State = model.EventStateMerging
	rec, err := aggregate.Merge(existing, ev, accepted, scores, b.now)
	if err != nil {
		return er, err
	}
	rec.Extent = geo.Extent(rec.Event)

	if _, ok := b.staged[ev.ID]; !ok {
		b.order = append(b.order, ev.ID)
	}
	b.staged[ev.ID] = rec

	er.State = model.EventStateDone
	log.Info("pipeline: event merged",
		zap.Int("accepted", er.Accepted),
		zap.Int("count", rec.Count),
		zap.Float64("average_accuracy", rec.AverageConfidence),
	)
	return er, nil
}

// current returns the event's record as staged earlier in this batch, or
// as stored.
func (p *Pipeline) current(ctx context.Context, b *batch, eventID string) (*model.OutputRecord, error) {
	if rec, ok := b.staged[eventID]; ok {
		return rec, nil
	}
	rec, err := p.deps.Store.GetRecord(ctx, eventID)
	if err != nil {
		return nil, eris.Wrap(err, "load record")
	}
	return rec, nil
}

func (p *Pipeline) publish(msg notify.Message) {
	if p.deps.Notifier != nil {
		p.deps.Notifier.Publish(msg)
	}
}

func (p *Pipeline) announce(res *model.BatchResult, b *batch) {
	if p.deps.Notifier == nil {
		return
	}
	for _, id := range b.order {
		rec := b.staged[id]
		accepted := 0
		for _, er := range res.Events {
			if er.EventID == id {
				accepted += er.Accepted
			}
		}
		p.publish(notify.Message{
			Kind:     notify.KindRecordUpdated,
			RunID:    res.RunID,
			EventID:  id,
			Accepted: accepted,
			Count:    rec.Count,
			Average:  rec.AverageConfidence,
		})
	}
	wm := res.WatermarkAfter
	p.publish(notify.Message{
		Kind:      notify.KindBatchCommitted,
		RunID:     res.RunID,
		Accepted:  res.Accepted(),
		Count:     res.RecordsWritten,
		Watermark: &wm,
	})
}

// RunPaths reads and validates payload files, then runs them as one batch.
func (p *Pipeline) RunPaths(ctx context.Context, paths ...string) (*model.BatchResult, error) {
	events, err := ingest.ReadPaths(paths...)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, events)
}
