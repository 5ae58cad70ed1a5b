package resolve

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
)

// Scratch is the transient directory images are downloaded into before
// decoding. Entries are written once, read once and removed by Clear.
type Scratch struct {
	dir string
}

// NewScratch creates dir if needed.
func NewScratch(dir string) (*Scratch, error) {
	if dir == "" {
		return nil, eris.New("resolve: scratch dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "resolve: create scratch dir %s", dir)
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch directory.
func (s *Scratch) Dir() string { return s.dir }

// Path returns the file a given image slot is downloaded to.
func (s *Scratch) Path(slot int) string {
	return filepath.Join(s.dir, fmt.Sprintf("image%d", slot))
}

// Clear removes every entry in the scratch directory and keeps the
// directory itself.
func (s *Scratch) Clear() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(s.dir, 0o755)
		}
		return eris.Wrap(err, "resolve: read scratch dir")
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return eris.Wrapf(err, "resolve: remove %s", e.Name())
		}
	}
	return nil
}

// Len returns the number of entries currently in scratch.
func (s *Scratch) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	return len(entries)
}
