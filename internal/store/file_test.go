package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/watermark"
)

// failingSave wraps a real state file and fails every SaveWatermark.
type failingSave struct {
	watermark.StateStore
	saves int
}

func (f *failingSave) SaveWatermark(_ context.Context, _ time.Time) error {
	f.saves++
	return errors.New("disk full")
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestFileStore_OutputFormat(t *testing.T) {
	dir := t.TempDir()
	s := NewFile(filepath.Join(dir, "output"), filepath.Join(dir, "configfile.json"))
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{testRecord("gr1-Turkey", model.DisasterEarthquake, 0.8, 0.6)}, baseTime))

	b, err := os.ReadFile(filepath.Join(dir, "output", "gr1-Turkey.json"))
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(b, &doc))
	assert.Equal(t, "gr1-Turkey", doc["id"])
	assert.Equal(t, "earthquake", doc["type"])
	assert.InDelta(t, 0.7, doc["average_accuracy"], 1e-12)
	assert.Equal(t, "Turkey", doc["country"])
	images := doc["images"].([]any)
	require.Len(t, images, 2)
	assert.InDelta(t, 0.8, images[0].(map[string]any)["accuracy_score"], 1e-12)

	state, err := os.ReadFile(filepath.Join(dir, "configfile.json"))
	require.NoError(t, err)
	assert.Contains(t, string(state), `"curr_timestamp": "2023-02-06 00:00:00"`)
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	s := NewFile(out, filepath.Join(dir, "configfile.json"))
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{
		testRecord("a", model.DisasterFlood, 0.9),
		testRecord("b", model.DisasterFlood, 0.8),
	}, baseTime))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, names)
}

func TestFileStore_SkipsUnreadableRecords(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	s := NewFile(out, filepath.Join(dir, "configfile.json"))
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{testRecord("a", model.DisasterFlood, 0.9)}, baseTime))
	require.NoError(t, os.WriteFile(filepath.Join(out, "broken.json"), []byte("{"), 0o644))

	recs, err := s.ListRecords(ctx, RecordFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)

	_, err = s.GetRecord(ctx, "broken")
	assert.Error(t, err)
}

func TestFileStore_ListRunsWithoutDir(t *testing.T) {
	s := NewFile(filepath.Join(t.TempDir(), "missing"), filepath.Join(t.TempDir(), "state.json"))
	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestFileStore_CommitRollsBackWhenWatermarkSaveFails(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	statePath := filepath.Join(dir, "configfile.json")
	s := NewFile(out, statePath)
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{testRecord("a", model.DisasterFlood, 0.9)}, baseTime))
	before, err := os.ReadFile(filepath.Join(out, "a.json"))
	require.NoError(t, err)

	failing := &failingSave{StateStore: watermark.NewFileState(statePath)}
	s.state = failing

	err = s.Commit(ctx, []*model.OutputRecord{
		testRecord("a", model.DisasterFlood, 0.9, 0.5),
		testRecord("b", model.DisasterFlood, 0.4),
	}, baseTime.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save watermark")
	assert.Equal(t, 1, failing.saves)

	// Previous record restored, new record withdrawn, nothing left behind.
	after, err := os.ReadFile(filepath.Join(out, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	rec, err := s.GetRecord(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.ElementsMatch(t, []string{"a.json"}, dirNames(t, out))

	wm, err := s.LoadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, baseTime.Equal(wm), wm.String())
}

func TestFileStore_CommitWithUnusableStatePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	out := filepath.Join(dir, "output")
	s := NewFile(out, filepath.Join(blocker, "configfile.json"))
	ctx := context.Background()

	err := s.Commit(ctx, []*model.OutputRecord{testRecord("e1", model.DisasterFlood, 0.9)}, baseTime)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(out, "e1.json"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStore_RecoversInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	s := NewFile(out, filepath.Join(dir, "configfile.json"))
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{testRecord("a", model.DisasterFlood, 0.9)}, baseTime))
	original, err := os.ReadFile(filepath.Join(out, "a.json"))
	require.NoError(t, err)

	// State left by a process that died after publishing "a", creating "b"
	// and saving the watermark, but before removing its journal.
	require.NoError(t, os.WriteFile(filepath.Join(out, ".a.1.bak"), original, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "a.json"), []byte(`{"id":"a","type":"flood"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "b.json"), []byte(`{"id":"b","type":"flood"}`), 0o644))
	require.NoError(t, s.state.SaveWatermark(ctx, baseTime.Add(time.Hour)))
	j, err := json.Marshal(commitJournal{
		Previous:  baseTime,
		Watermark: baseTime.Add(time.Hour),
		Entries: []journalEntry{
			{Final: "a.json", Staged: ".a.2.tmp", Backup: ".a.1.bak"},
			{Final: "b.json", Staged: ".b.3.tmp"},
		},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(out, journalName), j, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(out, ".c.4.tmp"), []byte("stale"), 0o644))

	wm, err := s.LoadWatermark(ctx)
	require.NoError(t, err)
	assert.True(t, baseTime.Equal(wm), wm.String())

	restored, err := os.ReadFile(filepath.Join(out, "a.json"))
	require.NoError(t, err)
	assert.Equal(t, string(original), string(restored))
	assert.ElementsMatch(t, []string{"a.json"}, dirNames(t, out))

	// A later commit proceeds normally.
	require.NoError(t, s.Commit(ctx, []*model.OutputRecord{testRecord("b", model.DisasterFlood, 0.4)}, baseTime.Add(2*time.Hour)))
	assert.ElementsMatch(t, []string{"a.json", "b.json"}, dirNames(t, out))
}

func TestFileStore_MigrateRollsBackInterruptedCommit(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "output")
	s := NewFile(out, filepath.Join(dir, "configfile.json"))
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(out, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "n.json"), []byte(`{"id":"n","type":"flood"}`), 0o644))
	j, err := json.Marshal(commitJournal{Entries: []journalEntry{{Final: "n.json", Staged: ".n.1.tmp"}}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(out, journalName), j, 0o644))

	require.NoError(t, s.Migrate(ctx))
	assert.ElementsMatch(t, []string{runsDir}, dirNames(t, out))
}
