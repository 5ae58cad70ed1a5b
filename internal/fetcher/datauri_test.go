package fetcher

import (
	"context"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDataURI(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	enc := base64.StdEncoding.EncodeToString(png)

	tests := []struct {
		name      string
		uri       string
		wantType  string
		wantBytes []byte
		wantErr   bool
	}{
		{"base64", "data:image/png;base64," + enc, "image/png", png, false},
		{"base64 unpadded", "data:image/png;base64,aGk", "image/png", []byte("hi"), false},
		{"base64 wrapped", "data:image/png;base64,aG\nk=", "image/png", []byte("hi"), false},
		{"percent encoded", "data:,hello%20world", "text/plain;charset=US-ASCII", []byte("hello world"), false},
		{"no comma", "data:image/png;base64", "", nil, true},
		{"bad base64", "data:image/png;base64,!!!", "", nil, true},
		{"not data", "https://img.example/a.png", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, data, err := decodeDataURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, mt)
			assert.Equal(t, tt.wantBytes, data)
		})
	}
}

func TestDataURIFetcher_Download(t *testing.T) {
	f := &DataURIFetcher{}
	rc, err := f.Download(context.Background(), "data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDataURIFetcher_DownloadToFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "image3")
	n, err := (&DataURIFetcher{}).DownloadToFile(context.Background(), "data:image/png;base64,aGVsbG8=", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDataURIFetcher_TooLarge(t *testing.T) {
	f := &DataURIFetcher{MaxBytes: 2}
	_, err := f.Download(context.Background(), "data:image/png;base64,aGVsbG8=")
	assert.ErrorIs(t, err, ErrTooLarge)
}
