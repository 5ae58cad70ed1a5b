package watermark

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/imagefilter/internal/model"
)

// StateKey is the member of the state file holding the watermark.
const StateKey = "curr_timestamp"

// stateLayout is how the watermark is written to the state file.
const stateLayout = "2006-01-02 15:04:05.999999"

// FileState keeps the watermark in a JSON settings file. Members other
// than StateKey are preserved on write.
type FileState struct {
	path string
	mu   sync.Mutex
}

// NewFileState creates a FileState at path. The file need not exist.
func NewFileState(path string) *FileState {
	return &FileState{path: path}
}

// Path returns the state file path.
func (f *FileState) Path() string { return f.path }

func (f *FileState) read() (map[string]json.RawMessage, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, eris.Wrapf(err, "watermark: read %s", f.path)
	}
	members := map[string]json.RawMessage{}
	if len(b) == 0 {
		return members, nil
	}
	if err := json.Unmarshal(b, &members); err != nil {
		return nil, eris.Wrapf(err, "watermark: parse %s", f.path)
	}
	return members, nil
}

// LoadWatermark implements StateStore.
func (f *FileState) LoadWatermark(_ context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, err := f.read()
	if err != nil {
		return time.Time{}, err
	}
	raw, ok := members[StateKey]
	if !ok || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, eris.Wrapf(err, "watermark: %s is not a string", StateKey)
	}
	if s == "" {
		return time.Time{}, nil
	}
	wm, err := model.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "watermark: parse stored value")
	}
	return wm, nil
}

// SaveWatermark implements StateStore. The file is replaced atomically.
func (f *FileState) SaveWatermark(_ context.Context, wm time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, err := f.read()
	if err != nil {
		return err
	}
	val, err := json.Marshal(wm.UTC().Format(stateLayout))
	if err != nil {
		return eris.Wrap(err, "watermark: encode")
	}
	members[StateKey] = val

	b, err := json.MarshalIndent(members, "", "  ")
	if err != nil {
		return eris.Wrap(err, "watermark: encode state")
	}
	return WriteFileAtomic(f.path, append(b, '\n'))
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return eris.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrapf(err, "rename into %s", path)
	}
	return nil
}
