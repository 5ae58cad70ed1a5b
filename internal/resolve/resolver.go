// Package resolve turns image URLs into preprocessed tensors. Transport and
// decode failures never surface as errors: they yield the placeholder.
package resolve

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/fetcher"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/resilience"
)

// Decoder converts a downloaded image file into a canonical tensor.
type Decoder interface {
	Decode(path string) (model.Tensor, error)
}

// ErrBadShape is returned when a decoder produces a non-canonical tensor.
var ErrBadShape = eris.New("resolve: tensor shape is not canonical")

// Options tunes the resolver.
type Options struct {
	// Timeout bounds a single fetch. Zero means no per-fetch deadline.
	Timeout time.Duration

	// Breakers short-circuits hosts that keep failing. Nil disables it.
	Breakers *resilience.HostBreakers
}

// Resolver fetches images into scratch storage and decodes them.
type Resolver struct {
	fetcher     fetcher.Fetcher
	decoder     Decoder
	scratch     *Scratch
	placeholder model.Tensor
	opts        Options
}

// New creates a Resolver. placeholder is returned, flagged, for every image
// that cannot be fetched or decoded.
func New(f fetcher.Fetcher, d Decoder, scratch *Scratch, placeholder model.Tensor, opts Options) *Resolver {
	return &Resolver{
		fetcher:     f,
		decoder:     d,
		scratch:     scratch,
		placeholder: placeholder.AsPlaceholder(),
		opts:        opts,
	}
}

// Placeholder returns the tensor substituted for failed images.
func (r *Resolver) Placeholder() model.Tensor { return r.placeholder }

// Scratch returns the resolver's scratch storage.
func (r *Resolver) Scratch() *Scratch { return r.scratch }

// Resolve downloads url into the scratch slot and decodes it.
func (r *Resolver) Resolve(ctx context.Context, url string, slot int) model.Tensor {
	start := time.Now()
	path := r.scratch.Path(slot)

	if err := r.fetch(ctx, url, path); err != nil {
		zap.L().Warn("resolve: fetch failed, using placeholder",
			zap.String("url", model.ShortURL(url)),
			zap.Int("slot", slot),
			zap.Error(err),
		)
		return r.placeholder
	}

	t, err := r.decoder.Decode(path)
	if err == nil && !slices.Equal(t.Shape, model.CanonicalShape()) {
		err = eris.Wrapf(ErrBadShape, "got %v", t.Shape)
	}
	if err == nil && len(t.Data) != t.Len() {
		err = eris.Wrapf(ErrBadShape, "%d values for shape %v", len(t.Data), t.Shape)
	}
	if err != nil {
		zap.L().Warn("resolve: decode failed, using placeholder",
			zap.String("url", model.ShortURL(url)),
			zap.Int("slot", slot),
			zap.Error(err),
		)
		return r.placeholder
	}

	zap.L().Debug("resolve: image ready",
		zap.String("url", model.ShortURL(url)),
		zap.Int("slot", slot),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	t.Placeholder = false
	return t
}

func (r *Resolver) fetch(ctx context.Context, url, path string) error {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	download := func(ctx context.Context) error {
		_, err := r.fetcher.DownloadToFile(ctx, url, path)
		return err
	}
	if r.opts.Breakers == nil {
		return download(ctx)
	}
	return r.opts.Breakers.ForURL(url).Execute(ctx, download)
}

// LoadPlaceholder decodes the placeholder image. An empty path yields the
// all-zero tensor.
func LoadPlaceholder(d Decoder, path string) (model.Tensor, error) {
	if path == "" {
		return model.ZeroTensor().AsPlaceholder(), nil
	}
	t, err := d.Decode(path)
	if err != nil {
		return model.Tensor{}, eris.Wrapf(err, "resolve: load placeholder %s", path)
	}
	if !slices.Equal(t.Shape, model.CanonicalShape()) {
		return model.Tensor{}, eris.Wrapf(ErrBadShape, "placeholder %s has shape %v", path, t.Shape)
	}
	return t.AsPlaceholder(), nil
}
