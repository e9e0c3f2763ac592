package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/episim-labs/episim-go/internal/domain"
	"github.com/episim-labs/episim-go/internal/platform/httpserver"
	pgrepo "github.com/episim-labs/episim-go/internal/repo/postgres"
	"github.com/episim-labs/episim-go/internal/repo/sqlite"
	"github.com/episim-labs/episim-go/internal/runtimeexec"
	"github.com/episim-labs/episim-go/internal/service/simulations"
	"github.com/episim-labs/episim-go/internal/storage/blobstore"
)

type stubRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubRunner) Run(_ context.Context, bundle domain.InputBundle, backend domain.Backend) (runtimeexec.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return runtimeexec.Result{}, s.err
	}
	return runtimeexec.Result{RunID: "run-" + string(rune('0'+s.calls)), Output: []byte("netcdf:" + string(backend))}, nil
}

func newTestServer(t *testing.T, runner *stubRunner, uploadMax int64) http.Handler {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "episim.db"))
	if err != nil {
		t.Fatalf("sqlite.Open() err=%v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	blobs, err := blobstore.New(sqlite.NewBlobTable(db))
	if err != nil {
		t.Fatalf("blobstore.New() err=%v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := simulations.New(sqlite.NewRunLedger(db), blobs, runner, simulations.Options{ArchiveInputs: true, Logger: logger})
	if err != nil {
		t.Fatalf("simulations.New() err=%v", err)
	}
	mux := http.NewServeMux()
	newSimulationsAPI(logger, svc, uploadMax).register(mux)
	return httpserver.Wrap(logger, serviceName, mux)
}

func runBody(config any) []byte {
	body, _ := json.Marshal(map[string]any{
		"config":             config,
		"mobility_reduction": "date,time,reduction\n2024-03-01,1,0.8\n",
		"mobility_matrix":    "source_idx,target_idx,ratio\n1,2,0.5\n",
		"metapop":            "id,area,Y,M,O,Total\n01001,10.0,100,200,50,350\n",
		"init_conditions":    base64.StdEncoding.EncodeToString([]byte("CDF\x01\x00\x00")),
	})
	return body
}

func do(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestRunSimulation_CachesByFingerprint(t *testing.T) {
	runner := &stubRunner{}
	h := newTestServer(t, runner, 1<<20)

	rec := do(t, h, http.MethodPost, "/simulations", runBody(map[string]any{"start_date": "2024-03-01", "end_date": "2024-03-03"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	first := decode(t, rec)
	if first["cache_hit"] != false || first["status"] != "success" {
		t.Fatalf("first=%v", first)
	}

	// Same document sent as a JSON string through the legacy path.
	rec = do(t, h, http.MethodPost, "/run_simulation", runBody(`{"end_date": "2024-03-03", "start_date": "2024-03-01"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	again := decode(t, rec)
	if again["run_id"] != first["run_id"] || again["cache_hit"] != true {
		t.Fatalf("again=%v, want hit on %v", again, first["run_id"])
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls=%d, want 1", runner.calls)
	}

	runID := first["run_id"].(string)
	rec = do(t, h, http.MethodGet, "/simulations/"+runID+"/output", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "netcdf:MMCACovid19Vac" {
		t.Fatalf("output status=%d body=%q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-netcdf" {
		t.Fatalf("Content-Type=%q", ct)
	}

	rec = do(t, h, http.MethodGet, "/simulations/"+runID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("describe status=%d", rec.Code)
	}
	details := decode(t, rec)
	if details["fingerprint"] != first["fingerprint"] || details["params_archived"] != true {
		t.Fatalf("details=%v", details)
	}

	rec = do(t, h, http.MethodGet, "/parameters/"+first["fingerprint"].(string), nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "application/x-tar" {
		t.Fatalf("parameters status=%d", rec.Code)
	}
	if _, err := domain.UnpackArchive(rec.Body.Bytes()); err != nil {
		t.Fatalf("UnpackArchive() err=%v", err)
	}
}

func TestRunSimulation_Rejections(t *testing.T) {
	runner := &stubRunner{}
	h := newTestServer(t, runner, 1<<20)

	cases := []struct {
		name string
		body []byte
		want int
	}{
		{name: "not json", body: []byte("{"), want: http.StatusBadRequest},
		{name: "missing config", body: runBody(nil), want: http.StatusBadRequest},
		{name: "bad dates", body: runBody(map[string]any{"start_date": "2024-03-05", "end_date": "2024-03-01"}), want: http.StatusBadRequest},
		{name: "bad base64", body: bytes.Replace(runBody(map[string]any{}), []byte(`"init_conditions":"`), []byte(`"init_conditions":"!!`), 1), want: http.StatusBadRequest},
		{name: "unknown engine", body: bytes.Replace(runBody(map[string]any{}), []byte(`{"config"`), []byte(`{"engine":"Other","config"`), 1), want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/simulations", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status=%d, want %d body=%s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
	if runner.calls != 0 {
		t.Fatalf("runner invoked for rejected requests")
	}
}

func TestRunSimulation_BodyLimit(t *testing.T) {
	h := newTestServer(t, &stubRunner{}, 64)
	rec := do(t, h, http.MethodPost, "/simulations", runBody(map[string]any{"start_date": "2024-03-01"}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want 413", rec.Code)
	}
}

func TestRunSimulation_FailureCarriesDiagnostics(t *testing.T) {
	runner := &stubRunner{err: &domain.ExecutionError{Reason: "non-zero exit status", ExitCode: 3, Diagnostics: "julia: out of memory"}}
	h := newTestServer(t, runner, 1<<20)

	rec := do(t, h, http.MethodPost, "/simulations", runBody(map[string]any{}))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d, want 422", rec.Code)
	}
	body := decode(t, rec)
	if body["error"] != string(domain.KindExecution) || body["exit_code"] != float64(3) {
		t.Fatalf("body=%v", body)
	}
	if !strings.Contains(body["diagnostics"].(string), "out of memory") {
		t.Fatalf("diagnostics=%v", body["diagnostics"])
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
}

func TestReplaceOutput(t *testing.T) {
	h := newTestServer(t, &stubRunner{}, 1<<20)
	rec := do(t, h, http.MethodPost, "/simulations", runBody(map[string]any{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	runID := decode(t, rec)["run_id"].(string)

	rec = do(t, h, http.MethodPut, "/simulations/"+runID+"/output", []byte("uploaded"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replace status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodGet, "/simulations/"+runID+"/output", nil)
	if rec.Body.String() != "uploaded" {
		t.Fatalf("output=%q after replace", rec.Body.String())
	}

	rec = do(t, h, http.MethodPut, "/simulations/run-missing/output", []byte("x"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rec.Code)
	}
}

func TestReadPathsNotFoundAndBadInput(t *testing.T) {
	h := newTestServer(t, &stubRunner{}, 1<<20)
	checks := []struct {
		path string
		want int
	}{
		{path: "/simulations/run-missing", want: http.StatusNotFound},
		{path: "/simulations/run-missing/output", want: http.StatusNotFound},
		{path: "/parameters/abc", want: http.StatusBadRequest},
		{path: "/parameters/" + strings.Repeat("ab", 32), want: http.StatusNotFound},
	}
	for _, c := range checks {
		rec := do(t, h, http.MethodGet, c.path, nil)
		if rec.Code != c.want {
			t.Fatalf("GET %s status=%d, want %d", c.path, rec.Code, c.want)
		}
	}
}

type stubAuditLister struct {
	got     pgrepo.AuditFilter
	records []pgrepo.AuditRecord
}

func (s *stubAuditLister) List(_ context.Context, filter pgrepo.AuditFilter) ([]pgrepo.AuditRecord, error) {
	s.got = filter
	return s.records, nil
}

func TestAuditEvents(t *testing.T) {
	lister := &stubAuditLister{records: []pgrepo.AuditRecord{{EventID: 9, Action: "simulation.reused", ResourceID: "run-1"}}}
	mux := http.NewServeMux()
	(&auditAPI{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), events: lister}).register(mux)

	rec := do(t, mux, http.MethodGet, "/audit/events?run_id=run-1&limit=10000&before_event_id=50&action=simulation.reused", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if lister.got.ResourceID != "run-1" || lister.got.BeforeID != 50 || lister.got.Limit != pgrepo.MaxAuditLimit || lister.got.Action != "simulation.reused" {
		t.Fatalf("filter=%+v", lister.got)
	}
	if body := decode(t, rec); body["next_before_event_id"] != float64(9) {
		t.Fatalf("body=%v", body)
	}

	rec = do(t, mux, http.MethodGet, "/audit/events?limit=-1", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", rec.Code)
	}
}
