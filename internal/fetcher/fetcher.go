// Package fetcher downloads image sources over http(s), ftp and data: URIs.
package fetcher

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
)

// Fetcher retrieves the raw bytes behind an image URL.
type Fetcher interface {
	// Download fetches the URL and returns the body. Callers close it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// ErrTooLarge is returned when a body exceeds the configured size cap.
var ErrTooLarge = eris.New("fetcher: body exceeds size limit")

// DefaultMaxBytes caps a single image download.
const DefaultMaxBytes int64 = 32 << 20

// writeFile copies body into a freshly created file at path.
func writeFile(body io.ReadCloser, path string) (int64, error) {
	defer body.Close() //nolint:errcheck

	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}

	n, err := io.Copy(file, body)
	if cerr := file.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}

// capped fails reads past max bytes instead of silently truncating.
type capped struct {
	io.ReadCloser
	remaining int64
}

func limitBody(rc io.ReadCloser, max int64) io.ReadCloser {
	if max <= 0 {
		return rc
	}
	return &capped{ReadCloser: rc, remaining: max}
}

func (c *capped) Read(p []byte) (int, error) {
	if c.remaining <= 0 {
		// Probe one byte so bodies of exactly max bytes still succeed.
		var one [1]byte
		n, err := c.ReadCloser.Read(one[:])
		if n > 0 {
			return 0, ErrTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.ReadCloser.Read(p)
	c.remaining -= int64(n)
	return n, err
}
