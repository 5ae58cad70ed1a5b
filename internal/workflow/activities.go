package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/ingest"
	"github.com/sells-group/imagefilter/internal/model"
)

// Subdirectories of the inbox that files are moved into once handled.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// ErrRejectedInput is the application error type for payloads that can
// never be processed. Retrying them is pointless.
const ErrRejectedInput = "RejectedInput"

// BatchRunner runs a decoded batch.
type BatchRunner interface {
	Run(ctx context.Context, events []model.Event) (*model.BatchResult, error)
}

// Activities scans an inbox directory and ingests what it finds.
type Activities struct {
	Runner BatchRunner
	Inbox  string
}

// NewActivities creates Activities for the given inbox.
func NewActivities(runner BatchRunner, inbox string) *Activities {
	return &Activities{Runner: runner, Inbox: inbox}
}

// ScanInbox returns the payload files waiting in the inbox, sorted by name.
// A missing inbox is empty.
func (a *Activities) ScanInbox(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.Inbox)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: read inbox %s", a.Inbox)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json", ".zip":
			paths = append(paths, filepath.Join(a.Inbox, name))
		}
	}
	sort.Strings(paths)

	activity.GetLogger(ctx).Info("workflow: inbox scanned", "files", len(paths))
	return paths, nil
}

// IngestFiles runs the files as one batch. On success they move to the
// processed directory under the run ID. Files that fail validation move to
// the failed directory and the error is not retryable; other failures leave
// them in place for the next attempt.
func (a *Activities) IngestFiles(ctx context.Context, paths []string) (*model.BatchResult, error) {
	if len(paths) == 0 {
		return nil, temporal.NewNonRetryableApplicationError("no files to ingest", ErrRejectedInput, ingest.ErrEmptyBatch)
	}

	events, err := ingest.ReadPaths(paths...)
	if err != nil {
		if rejected(err) {
			if merr := a.move(paths, FailedDir); merr != nil {
				zap.L().Warn("workflow: failed to quarantine rejected files", zap.Error(merr))
			}
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrRejectedInput, err)
		}
		return nil, err
	}

	res, err := a.Runner.Run(ctx, events)
	if err != nil {
		if rejected(err) {
			if merr := a.move(paths, FailedDir); merr != nil {
				zap.L().Warn("workflow: failed to quarantine rejected files", zap.Error(merr))
			}
			return nil, temporal.NewNonRetryableApplicationError(err.Error(), ErrRejectedInput, err)
		}
		return nil, err
	}

	if err := a.move(paths, filepath.Join(ProcessedDir, res.RunID)); err != nil {
		// The batch is committed; the watermark keeps a re-run from
		// re-counting these files.
		zap.L().Warn("workflow: failed to move processed files", zap.String("run_id", res.RunID), zap.Error(err))
	}
	return res, nil
}

func rejected(err error) bool {
	return errors.Is(err, model.ErrMalformedEvent) ||
		errors.Is(err, model.ErrUnknownDisasterType) ||
		errors.Is(err, ingest.ErrEmptyBatch)
}

func (a *Activities) move(paths []string, sub string) error {
	dst := filepath.Join(a.Inbox, sub)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return eris.Wrapf(err, "workflow: create %s", dst)
	}
	var errs []error
	for _, p := range paths {
		if err := os.Rename(p, filepath.Join(dst, filepath.Base(p))); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
