package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/imagefilter/internal/metrics"
	"github.com/sells-group/imagefilter/internal/model"
	"github.com/sells-group/imagefilter/internal/store"
	"github.com/sells-group/imagefilter/internal/store/mocks"
)

type fakeRunner struct {
	events []model.Event
	err    error
}

func (f *fakeRunner) Run(_ context.Context, events []model.Event) (*model.BatchResult, error) {
	f.events = events
	if f.err != nil {
		return nil, f.err
	}
	return &model.BatchResult{RunID: "run-1", RecordsWritten: len(events)}, nil
}

const payload = `{"id":"e1","type":"flood","country":"Italy","images":[{"URLImage":"https://img.example/a.jpg","date":"2023-02-06 01:00:00"}]}`

func newTestServer(t *testing.T) (*httptest.Server, *fakeRunner, *mocks.MockStore) {
	t.Helper()
	runner := &fakeRunner{}
	ms := mocks.NewMockStore(t)
	srv := New(Deps{Runner: runner, Store: ms, Metrics: metrics.New()}, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, runner, ms
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func testRecord(id string) *model.OutputRecord {
	ts := time.Date(2023, 2, 6, 1, 0, 0, 0, time.UTC)
	return &model.OutputRecord{
		Event: model.Event{
			ID:       id,
			Type:     model.DisasterFlood,
			TypeName: "flood",
			Images:   []model.Image{model.Image{URL: "u", Date: ts}.WithConfidence(0.9)},
			Metadata: map[string]json.RawMessage{"country": json.RawMessage(`"Italy"`)},
		},
		AverageConfidence: 0.9,
		Count:             1,
		UpdatedAt:         ts,
	}
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPostBatch(t *testing.T) {
	ts, runner, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/batches", "application/json", strings.NewReader("["+payload+"]"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var res model.BatchResult
	decodeBody(t, resp, &res)
	assert.Equal(t, "run-1", res.RunID)
	require.Len(t, runner.events, 1)
	assert.Equal(t, "e1", runner.events[0].ID)
	assert.Equal(t, model.DisasterFlood, runner.events[0].Type)
}

func TestPostBatch_Malformed(t *testing.T) {
	ts, runner, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/v1/batches", "application/json", strings.NewReader(`{"type":"flood"}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
	assert.Nil(t, runner.events)
}

func TestPostBatch_RunFailure(t *testing.T) {
	ts, runner, _ := newTestServer(t)
	runner.err = errors.New("store unavailable")

	resp, err := http.Post(ts.URL+"/v1/batches", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "store unavailable")
}

func TestUpload(t *testing.T) {
	ts, runner, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", "e1.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(payload))
	require.NoError(t, err)
	fw, err = mw.CreateFormFile("files", "e2.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(strings.Replace(payload, `"e1"`, `"e2"`, 1)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/crowd4sdg/start", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck

	require.Len(t, runner.events, 2)
	assert.Equal(t, "e1", runner.events[0].ID)
	assert.Equal(t, "e2", runner.events[1].ID)
}

func TestUpload_NotMultipart(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/crowd4sdg/start", "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestListRecords(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("ListRecords", mock.Anything, store.RecordFilter{Type: "flood", Limit: 5}).
		Return([]*model.OutputRecord{testRecord("e1")}, nil)

	resp, err := http.Get(ts.URL + "/v1/records?type=Flood&limit=5")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body []map[string]any
	decodeBody(t, resp, &body)
	require.Len(t, body, 1)
	assert.Equal(t, "e1", body[0]["id"])
	assert.Equal(t, "Italy", body[0]["country"])
	assert.InDelta(t, 0.9, body[0]["average_accuracy"], 1e-9)
}

func TestListRecords_Empty(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("ListRecords", mock.Anything, store.RecordFilter{}).Return(nil, nil)

	resp, err := http.Get(ts.URL + "/v1/records")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, body.String())
}

func TestListRecords_BadParams(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, q := range []string{"type=tsunami", "limit=-1", "offset=x"} {
		resp, err := http.Get(ts.URL + "/v1/records?" + q)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
		resp.Body.Close() //nolint:errcheck
	}
}

func TestGetRecord(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("GetRecord", mock.Anything, "e1").Return(testRecord("e1"), nil)
	ms.On("GetRecord", mock.Anything, "missing").Return(nil, nil)

	resp, err := http.Get(ts.URL + "/v1/records/e1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.EqualValues(t, 1, body["count"])

	resp, err = http.Get(ts.URL + "/v1/records/missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestExport_XLSX(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("ListRecords", mock.Anything, store.RecordFilter{}).
		Return([]*model.OutputRecord{testRecord("e1"), testRecord("e2")}, nil)

	resp, err := http.Get(ts.URL + "/v1/records/export")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "records.xlsx")

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, f.Sheet["records"].Rows, 3)
}

func TestExport_UnknownFormat(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("ListRecords", mock.Anything, store.RecordFilter{}).Return(nil, nil)

	resp, err := http.Get(ts.URL + "/v1/records/export?format=csv")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestWatermark(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("LoadWatermark", mock.Anything).Return(time.Date(2023, 2, 6, 1, 17, 34, 0, time.UTC), nil).Once()
	ms.On("LoadWatermark", mock.Anything).Return(time.Time{}, nil).Once()

	resp, err := http.Get(ts.URL + "/v1/watermark")
	require.NoError(t, err)
	var body map[string]any
	decodeBody(t, resp, &body)
	assert.Equal(t, "2023-02-06T01:17:34Z", body["watermark"])

	resp, err = http.Get(ts.URL + "/v1/watermark")
	require.NoError(t, err)
	body = nil
	decodeBody(t, resp, &body)
	assert.Nil(t, body["watermark"])
}

func TestListRuns(t *testing.T) {
	ts, _, ms := newTestServer(t)
	ms.On("ListRuns", mock.Anything, 20).Return([]model.BatchResult{{RunID: "r1"}}, nil)
	ms.On("ListRuns", mock.Anything, 2).Return(nil, errors.New("boom"))

	resp, err := http.Get(ts.URL + "/v1/runs")
	require.NoError(t, err)
	var runs []model.BatchResult
	decodeBody(t, resp, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)

	resp, err = http.Get(ts.URL + "/v1/runs?limit=2")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close() //nolint:errcheck
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/batches", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(model.ErrMalformedEvent))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("x")))
}
