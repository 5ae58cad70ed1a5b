package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrUnsupportedScheme is returned for URLs no registered fetcher handles.
var ErrUnsupportedScheme = eris.New("fetcher: unsupported url scheme")

// Router dispatches to a Fetcher by URL scheme.
type Router struct {
	schemes map[string]Fetcher
}

// NewRouter creates a router with no schemes registered.
func NewRouter() *Router {
	return &Router{schemes: make(map[string]Fetcher)}
}

// NewDefaultRouter wires http, https, ftp and data.
func NewDefaultRouter(httpOpts HTTPOptions, ftpOpts FTPOptions) *Router {
	h := NewHTTPFetcher(httpOpts)
	return NewRouter().
		Handle("http", h).
		Handle("https", h).
		Handle("ftp", NewFTPFetcher(ftpOpts)).
		Handle("data", &DataURIFetcher{MaxBytes: httpOpts.MaxBytes})
}

// Handle registers f for scheme and returns the router for chaining.
func (r *Router) Handle(scheme string, f Fetcher) *Router {
	r.schemes[strings.ToLower(scheme)] = f
	return r
}

func (r *Router) route(rawURL string) (Fetcher, error) {
	scheme := ""
	if i := strings.Index(rawURL, ":"); i > 0 {
		scheme = strings.ToLower(rawURL[:i])
	}
	// data: URIs are not valid URLs for net/url when they carry raw payloads.
	if scheme != "data" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, eris.Wrap(err, "parse url")
		}
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := r.schemes[scheme]
	if !ok {
		return nil, eris.Wrapf(ErrUnsupportedScheme, "%q", scheme)
	}
	return f, nil
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	f, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return f.Download(ctx, rawURL)
}

// DownloadToFile implements Fetcher.
func (r *Router) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	f, err := r.route(rawURL)
	if err != nil {
		return 0, err
	}
	return f.DownloadToFile(ctx, rawURL, path)
}
