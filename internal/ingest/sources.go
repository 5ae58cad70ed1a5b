package ingest

import (
	"archive/zip"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/model"
)

// UploadField is the multipart field carrying event payloads.
const UploadField = "files"

// ReadFile decodes a JSON payload file or every JSON member of a ZIP archive.
func ReadFile(path string) ([]model.Event, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return readZIP(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	events, err := Decode(f)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: %s", path)
	}
	return events, nil
}

// ReadPaths decodes files and directories in order. Directories contribute
// their *.json and *.zip members sorted by name.
func ReadPaths(paths ...string) ([]model.Event, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: stat %s", p)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		members, err := payloadFiles(p)
		if err != nil {
			return nil, err
		}
		files = append(files, members...)
	}

	var events []model.Event
	for _, f := range files {
		evs, err := ReadFile(f)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	if len(events) == 0 {
		return nil, ErrEmptyBatch
	}
	zap.L().Debug("ingest: read batch", zap.Int("files", len(files)), zap.Int("events", len(events)))
	return events, nil
}

func payloadFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read dir %s", dir)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".zip":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func readZIP(path string) ([]model.Event, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open archive %s", path)
	}
	defer r.Close() //nolint:errcheck

	members := make([]*zip.File, 0, len(r.File))
	for _, f := range r.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(filepath.Ext(f.Name), ".json") {
			continue
		}
		members = append(members, f)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	var events []model.Event
	for _, f := range members {
		evs, err := readZIPEntry(f)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: %s!%s", path, f.Name)
		}
		events = append(events, evs...)
	}
	if len(events) == 0 {
		return nil, eris.Wrapf(ErrEmptyBatch, "ingest: %s", path)
	}
	return events, nil
}

func readZIPEntry(f *zip.File) ([]model.Event, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, eris.Wrap(err, "open entry")
	}
	defer rc.Close() //nolint:errcheck
	return Decode(rc)
}

// ReadMultipart decodes every part of form under UploadField, in order.
func ReadMultipart(form *multipart.Form) ([]model.Event, error) {
	if form == nil {
		return nil, ErrEmptyBatch
	}
	headers := form.File[UploadField]
	if len(headers) == 0 {
		return nil, eris.Wrapf(ErrEmptyBatch, "ingest: no %q parts", UploadField)
	}

	var events []model.Event
	for _, fh := range headers {
		evs, err := readPart(fh)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: part %s", fh.Filename)
		}
		events = append(events, evs...)
	}
	return events, nil
}

func readPart(fh *multipart.FileHeader) ([]model.Event, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, eris.Wrap(err, "open part")
	}
	defer f.Close() //nolint:errcheck
	return Decode(io.Reader(f))
}
