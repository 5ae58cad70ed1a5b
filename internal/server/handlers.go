package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/export"
	"github.com/sells-group/imagefilter/internal/ingest"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/store"
)

// handleBatch accepts a JSON event or array of events as the body.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	events, err := ingest.Decode(r.Body)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.runBatch(w, r, events)
}

// handleUpload accepts multipart form files, each a JSON payload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	events, err := ingest.ReadMultipart(r.MultipartForm)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	s.runBatch(w, r, events)
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request, events []model.Event) {
	ctx := r.Context()
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	res, err := s.deps.Runner.Run(ctx, events)
	if err != nil {
		zap.L().Error("server: batch failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int("events", len(events)),
			zap.Error(err),
		)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	filter, err := recordFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.deps.Store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*model.OutputRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Store.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatXLSX
	}
	filter, err := recordFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := s.deps.Store.ListRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format {
	case export.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	case export.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	case export.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=records.%s", format))
	if err := export.Write(w, format, records); err != nil {
		zap.L().Error("server: export failed", zap.String("format", format), zap.Error(err))
	}
}

func (s *Server) handleWatermark(w http.ResponseWriter, r *http.Request) {
	wm, err := s.deps.Store.LoadWatermark(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"watermark": nil}
	if !wm.IsZero() {
		resp["watermark"] = wm.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []model.BatchResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func recordFilter(r *http.Request) (store.RecordFilter, error) {
	var f store.RecordFilter
	if t := r.URL.Query().Get("type"); t != "" {
		dt, err := model.ParseDisasterType(t)
		if err != nil {
			return f, err
		}
		f.Type = dt.String()
	}
	var err error
	if f.Limit, err = intParam(r, "limit", 0); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset", 0); err != nil {
		return f, err
	}
	return f, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, eris.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}
