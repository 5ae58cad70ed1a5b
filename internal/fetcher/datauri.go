package fetcher

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// DataURIFetcher decodes RFC 2397 data: URIs, which crawlers use to inline
// small images in event payloads.
type DataURIFetcher struct {
	MaxBytes int64
}

// decodeDataURI returns the media type and payload of a data: URI.
func decodeDataURI(raw string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", nil, eris.New("not a data uri")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, eris.New("data uri missing comma")
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta = m
		isBase64 = true
	}
	mediaType := meta
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		// Payloads copied from JSON or URLs may be unpadded or whitespace-wrapped.
		payload = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return "", nil, eris.Wrap(err, "decode base64 data uri")
		}
		return mediaType, data, nil
	}

	data, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, eris.Wrap(err, "unescape data uri")
	}
	return mediaType, []byte(data), nil
}

// Download decodes the URI in memory.
func (f *DataURIFetcher) Download(_ context.Context, raw string) (io.ReadCloser, error) {
	_, data, err := decodeDataURI(raw)
	if err != nil {
		return nil, err
	}
	limit := f.MaxBytes
	if limit == 0 {
		limit = DefaultMaxBytes
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// DownloadToFile decodes the URI into path.
func (f *DataURIFetcher) DownloadToFile(ctx context.Context, raw string, path string) (int64, error) {
	rc, err := f.Download(ctx, raw)
	if err != nil {
		return 0, err
	}
	return writeFile(rc, path)
}
