package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/imagefilter/internal/model"
)

type fakeRunner struct {
	events []model.Event
	err    error
}

func (f *fakeRunner) Run(_ context.Context, events []model.Event) (*model.BatchResult, error) {
	f.events = append(f.events, events...)
	if f.err != nil {
		return nil, f.err
	}
	return &model.BatchResult{
		RunID:          "run-1",
		WatermarkAfter: time.Date(2023, 2, 7, 0, 0, 0, 0, time.UTC),
		Events:         []model.EventResult{{EventID: events[0].ID, Accepted: 2}},
		RecordsWritten: 1,
	}, nil
}

const payload = `{"id":"e1","type":"flood","images":[{"URLImage":"a","date":"2023-02-06 01:00:00"}]}`

func writeInbox(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

type workflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite
	env *testsuite.TestWorkflowEnvironment
}

func (s *workflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterActivity(&Activities{})
}

func (s *workflowSuite) AfterTest(_, _ string) {
	s.env.AssertExpectations(s.T())
}

func (s *workflowSuite) TestEmptyInbox() {
	var a *Activities
	s.env.OnActivity(a.ScanInbox, mock.Anything).Return([]string(nil), nil)

	s.env.ExecuteWorkflow(IngestWorkflow)
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())

	var sum Summary
	s.Require().NoError(s.env.GetWorkflowResult(&sum))
	s.Zero(sum.Files)
}

func (s *workflowSuite) TestIngestsScannedFiles() {
	var a *Activities
	paths := []string{"/inbox/a.json", "/inbox/b.json"}
	s.env.OnActivity(a.ScanInbox, mock.Anything).Return(paths, nil)
	s.env.OnActivity(a.IngestFiles, mock.Anything, paths).Return(&model.BatchResult{
		RunID:          "run-1",
		RecordsWritten: 1,
		Events:         []model.EventResult{{EventID: "e1", Accepted: 2}, {EventID: "e2", Accepted: 1}},
	}, nil)

	s.env.ExecuteWorkflow(IngestWorkflow)
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())

	var sum Summary
	s.Require().NoError(s.env.GetWorkflowResult(&sum))
	s.Equal(2, sum.Files)
	s.Equal("run-1", sum.RunID)
	s.Equal(3, sum.Accepted)
	s.Equal(1, sum.RecordsWritten)
}

func (s *workflowSuite) TestRejectedInputFailsWithoutRetry() {
	var a *Activities
	paths := []string{"/inbox/bad.json"}
	s.env.OnActivity(a.ScanInbox, mock.Anything).Return(paths, nil)
	s.env.OnActivity(a.IngestFiles, mock.Anything, paths).
		Return(nil, temporal.NewNonRetryableApplicationError("malformed", ErrRejectedInput, nil)).
		Once()

	s.env.ExecuteWorkflow(IngestWorkflow)
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().Error(s.env.GetWorkflowError())
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(workflowSuite))
}

func TestScanInbox(t *testing.T) {
	dir := writeInbox(t, map[string]string{
		"b.json":       payload,
		"a.zip":        "zip",
		"notes.md":     "x",
		".hidden.json": payload,
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, ProcessedDir), 0o755))

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	a := NewActivities(&fakeRunner{}, dir)
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.ScanInbox)
	require.NoError(t, err)
	var paths []string
	require.NoError(t, val.Get(&paths))
	assert.Equal(t, []string{filepath.Join(dir, "a.zip"), filepath.Join(dir, "b.json")}, paths)
}

func TestScanInbox_MissingDir(t *testing.T) {
	a := NewActivities(&fakeRunner{}, filepath.Join(t.TempDir(), "nope"))
	paths, err := a.ScanInbox(context.Background())
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestIngestFiles_MovesProcessed(t *testing.T) {
	dir := writeInbox(t, map[string]string{"e1.json": payload})
	runner := &fakeRunner{}
	a := NewActivities(runner, dir)

	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestActivityEnvironment()
	env.RegisterActivity(a)

	val, err := env.ExecuteActivity(a.IngestFiles, []string{filepath.Join(dir, "e1.json")})
	require.NoError(t, err)
	var res model.BatchResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, "run-1", res.RunID)

	require.Len(t, runner.events, 1)
	assert.Equal(t, "e1", runner.events[0].ID)
	assert.NoFileExists(t, filepath.Join(dir, "e1.json"))
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "run-1", "e1.json"))
}

func TestIngestFiles_MalformedMovesToFailed(t *testing.T) {
	dir := writeInbox(t, map[string]string{"bad.json": `{"type":"flood"}`})
	runner := &fakeRunner{}
	a := NewActivities(runner, dir)

	_, err := a.IngestFiles(context.Background(), []string{filepath.Join(dir, "bad.json")})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrRejectedInput, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	assert.Empty(t, runner.events)
	assert.FileExists(t, filepath.Join(dir, FailedDir, "bad.json"))
}

func TestIngestFiles_TransientFailureLeavesFiles(t *testing.T) {
	dir := writeInbox(t, map[string]string{"e1.json": payload})
	a := NewActivities(&fakeRunner{err: errors.New("database is locked")}, dir)

	_, err := a.IngestFiles(context.Background(), []string{filepath.Join(dir, "e1.json")})
	require.Error(t, err)

	var appErr *temporal.ApplicationError
	assert.False(t, errors.As(err, &appErr))
	assert.FileExists(t, filepath.Join(dir, "e1.json"))
}

func TestIngestFiles_Empty(t *testing.T) {
	a := NewActivities(&fakeRunner{}, t.TempDir())
	_, err := a.IngestFiles(context.Background(), nil)
	require.Error(t, err)
}
