package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/watermark"
)

const runsDir = ".runs"

// FileStore keeps one JSON document per event in a directory and the
// watermark in a JSON settings file.
type FileStore struct {
	dir   string
	state watermark.StateStore
	mu    sync.Mutex
}

// NewFile creates a FileStore writing records to dir and the watermark to
// statePath.
func NewFile(dir, statePath string) *FileStore {
	return &FileStore{dir: dir, state: watermark.NewFileState(statePath)}
}

// Dir returns the record directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) recordPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Migrate creates the record directory and rolls back any interrupted
// commit.
func (s *FileStore) Migrate(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(s.dir, runsDir), 0o755); err != nil {
		return eris.Wrapf(err, "file store: create %s", s.dir)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoverCommit(ctx)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) GetRecord(_ context.Context, eventID string) (*model.OutputRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRecord(s.recordPath(eventID))
}

func (s *FileStore) readRecord(path string) (*model.OutputRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "file store: read %s", path)
	}
	var rec model.OutputRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, eris.Wrapf(err, "file store: decode %s", path)
	}
	return &rec, nil
}

func (s *FileStore) ListRecords(_ context.Context, filter RecordFilter) ([]*model.OutputRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, eris.Wrap(err, "file store: list")
	}
	sort.Strings(paths)

	records := make([]*model.OutputRecord, 0, len(paths))
	for _, p := range paths {
		rec, err := s.readRecord(p)
		if err != nil {
			zap.L().Warn("file store: skipping unreadable record", zap.String("path", p), zap.Error(err))
			continue
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return page(records, filter), nil
}

// journalName is the rollback journal of an in-flight Commit. The commit
// is durable once the journal is gone.
const journalName = ".commit.journal"

type journalEntry struct {
	Final  string `json:"final"`
	Staged string `json:"staged"`
	// Backup holds the previous record, empty when there was none.
	Backup string `json:"backup,omitempty"`
}

type commitJournal struct {
	Previous  time.Time      `json:"previous"`
	Watermark time.Time      `json:"watermark"`
	Entries   []journalEntry `json:"entries"`
}

// Commit stages every record and a backup of the record it replaces,
// writes a rollback journal, publishes the records, saves the watermark
// and finally removes the journal. Any failure before the journal is
// removed restores the previous records and watermark; a crash in that
// window is rolled back by the next Migrate or LoadWatermark.
func (s *FileStore) Commit(ctx context.Context, records []*model.OutputRecord, wm time.Time) error {
	if err := validateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recoverCommit(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return eris.Wrapf(err, "file store: create %s", s.dir)
	}

	prev, err := s.state.LoadWatermark(ctx)
	if err != nil {
		return eris.Wrap(err, "file store: load watermark")
	}

	j := commitJournal{Previous: prev, Watermark: wm}
	if err := s.stage(records, &j); err != nil {
		s.discard(j)
		return err
	}

	b, err := json.Marshal(j)
	if err != nil {
		s.discard(j)
		return eris.Wrap(err, "file store: encode journal")
	}
	if err := watermark.WriteFileAtomic(s.journalPath(), b); err != nil {
		s.discard(j)
		return eris.Wrap(err, "file store: write journal")
	}

	if err := s.publish(ctx, j); err != nil {
		if rbErr := s.rollback(ctx, j); rbErr != nil {
			zap.L().Error("file store: rollback failed, journal kept for recovery", zap.Error(rbErr))
			return errors.Join(err, rbErr)
		}
		return err
	}

	for _, e := range j.Entries {
		if e.Backup != "" {
			_ = os.Remove(s.path(e.Backup))
		}
	}
	return nil
}

func (s *FileStore) journalPath() string { return filepath.Join(s.dir, journalName) }

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) stage(records []*model.OutputRecord, j *commitJournal) error {
	for _, rec := range records {
		b, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return eris.Wrapf(err, "file store: encode %s", rec.ID)
		}
		final := s.recordPath(rec.ID)
		e := journalEntry{Final: filepath.Base(final)}

		if e.Staged, err = stageFile(s.dir, rec.ID, ".tmp", append(b, '\n')); err != nil {
			return err
		}
		old, err := os.ReadFile(final)
		switch {
		case err == nil:
			if e.Backup, err = stageFile(s.dir, rec.ID, ".bak", old); err != nil {
				_ = os.Remove(s.path(e.Staged))
				return err
			}
		case !os.IsNotExist(err):
			_ = os.Remove(s.path(e.Staged))
			return eris.Wrapf(err, "file store: back up %s", rec.ID)
		}
		j.Entries = append(j.Entries, e)
	}
	return nil
}

func (s *FileStore) publish(ctx context.Context, j commitJournal) error {
	for _, e := range j.Entries {
		if err := os.Rename(s.path(e.Staged), s.path(e.Final)); err != nil {
			return eris.Wrapf(err, "file store: publish %s", e.Final)
		}
	}
	if err := s.state.SaveWatermark(ctx, j.Watermark); err != nil {
		return eris.Wrap(err, "file store: save watermark")
	}
	if err := os.Remove(s.journalPath()); err != nil {
		return eris.Wrap(err, "file store: remove journal")
	}
	return nil
}

// discard removes staged files of a commit that never wrote its journal.
func (s *FileStore) discard(j commitJournal) {
	for _, e := range j.Entries {
		_ = os.Remove(s.path(e.Staged))
		if e.Backup != "" {
			_ = os.Remove(s.path(e.Backup))
		}
	}
}

// rollback puts back the records and watermark a journal replaced.
func (s *FileStore) rollback(ctx context.Context, j commitJournal) error {
	var errs []error
	for _, e := range j.Entries {
		if err := os.Remove(s.path(e.Staged)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		if e.Backup == "" {
			if err := os.Remove(s.path(e.Final)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.Rename(s.path(e.Backup), s.path(e.Final)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return eris.Wrap(errors.Join(errs...), "file store: restore records")
	}

	cur, err := s.state.LoadWatermark(ctx)
	if err != nil || !cur.Equal(j.Previous) {
		if err := s.state.SaveWatermark(ctx, j.Previous); err != nil {
			return eris.Wrap(err, "file store: restore watermark")
		}
	}
	if err := os.Remove(s.journalPath()); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "file store: remove journal")
	}
	return nil
}

// recoverCommit rolls back a commit interrupted before its journal was removed
// and sweeps staged files left by one interrupted before the journal was
// written. Callers hold s.mu.
func (s *FileStore) recoverCommit(ctx context.Context) error {
	b, err := os.ReadFile(s.journalPath())
	switch {
	case err == nil:
		var j commitJournal
		if err := json.Unmarshal(b, &j); err != nil {
			return eris.Wrap(err, "file store: decode journal")
		}
		zap.L().Warn("file store: rolling back interrupted commit",
			zap.Int("records", len(j.Entries)),
			zap.Time("watermark", j.Watermark),
		)
		if err := s.rollback(ctx, j); err != nil {
			return err
		}
	case !os.IsNotExist(err):
		return eris.Wrap(err, "file store: read journal")
	}

	for _, pattern := range []string{".*.tmp", ".*.bak"} {
		leftovers, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			return eris.Wrap(err, "file store: sweep")
		}
		for _, p := range leftovers {
			_ = os.Remove(p)
		}
	}
	return nil
}

// stageFile writes data to a hidden temp file in dir and returns its base
// name.
func stageFile(dir, id, suffix string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+id+".*"+suffix)
	if err != nil {
		return "", eris.Wrapf(err, "file store: stage %s", id)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", eris.Wrapf(err, "file store: stage %s", id)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", eris.Wrapf(err, "file store: stage %s", id)
	}
	return filepath.Base(f.Name()), nil
}

// LoadWatermark rolls back any interrupted commit first.
func (s *FileStore) LoadWatermark(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.recoverCommit(ctx); err != nil {
		return time.Time{}, err
	}
	return s.state.LoadWatermark(ctx)
}

func (s *FileStore) SaveWatermark(ctx context.Context, wm time.Time) error {
	return s.state.SaveWatermark(ctx, wm)
}

func (s *FileStore) SaveRun(_ context.Context, run *model.BatchResult) error {
	if run == nil || run.RunID == "" {
		return eris.New("file store: run without id")
	}
	b, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return eris.Wrap(err, "file store: encode run")
	}
	path := filepath.Join(s.dir, runsDir, run.RunID+".json")
	return eris.Wrap(watermark.WriteFileAtomic(path, b), "file store: save run")
}

func (s *FileStore) ListRuns(_ context.Context, limit int) ([]model.BatchResult, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, runsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "file store: list runs")
	}

	var runs []model.BatchResult
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, runsDir, e.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "file store: read run %s", e.Name())
		}
		var run model.BatchResult
		if err := json.Unmarshal(b, &run); err != nil {
			return nil, eris.Wrapf(err, "file store: decode run %s", e.Name())
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
