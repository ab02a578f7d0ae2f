package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opendevbox/opendevbox/internal/auth"
	"github.com/opendevbox/opendevbox/internal/isolation"
	"github.com/opendevbox/opendevbox/internal/quota"
	"github.com/opendevbox/opendevbox/internal/sandbox"
	"github.com/opendevbox/opendevbox/internal/snapshot"
	"github.com/opendevbox/opendevbox/internal/storage"
	"github.com/opendevbox/opendevbox/pkg/types"
)

func newTestServer(t *testing.T, limits quota.Limits) *Server {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal() error: %v", err)
	}
	rt := sandbox.NewRuntime(isolation.NewProcessDriver(nil), quota.NewManager(limits), sandbox.Options{
		WorkspacesRoot: t.TempDir(),
		SweepInterval:  time.Hour,
	})
	t.Cleanup(rt.Close)
	eng := snapshot.NewEngine(backend, snapshot.Options{})
	return NewServer(rt, eng, Options{
		Verifier: auth.NewVerifier(""), // development token mode
		Backend:  backend,
	})
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer dev:u_a")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	return rec
}

func createSandboxID(t *testing.T, s *Server) string {
	t.Helper()
	rec := doRequest(t, s, http.MethodPost, "/sandboxes", "{}")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sandbox: status %d: %s", rec.Code, rec.Body.String())
	}
	var sb types.Sandbox
	if err := json.Unmarshal(rec.Body.Bytes(), &sb); err != nil {
		t.Fatalf("decode sandbox: %v", err)
	}
	return sb.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestReady(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	req := httptest.NewRequest(http.MethodPost, "/sandboxes", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
}

func TestExecEndpoint(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	rec := doRequest(t, s, http.MethodPost, "/sandboxes/"+id+"/exec",
		`{"argv":["echo","hello"],"timeout_seconds":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exec status = %d: %s", rec.Code, rec.Body.String())
	}
	var result types.ExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Stdout != "hello\n" || result.ExitCode != 0 || result.TimedOut {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestExecNonZeroExitIsNotHTTPError(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	rec := doRequest(t, s, http.MethodPost, "/sandboxes/"+id+"/exec", `{"argv":["false"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("exec status = %d, want 200", rec.Code)
	}
	var result types.ExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", result.ExitCode)
	}
}

func TestFileRoundTrip(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	put := httptest.NewRequest(http.MethodPut, "/sandboxes/"+id+"/files/src/main.go", strings.NewReader("package main"))
	put.Header.Set("Authorization", "Bearer dev:u_a")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/sandboxes/"+id+"/files/src/main.go", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if rec.Body.String() != "package main" {
		t.Errorf("file body = %q", rec.Body.String())
	}
}

func TestFileTraversalMapsTo400(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	put := httptest.NewRequest(http.MethodPut, "/sandboxes/"+id+"/files/../../etc/passwd", strings.NewReader("x"))
	put.Header.Set("Authorization", "Bearer dev:u_a")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, put)
	// Echo routes the raw path unchanged; the runtime rejects the escape
	// as InvalidArgument, which maps to 400.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("traversal write status = %d, want 400", rec.Code)
	}
}

func TestWrongOwnerMapsTo404(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	req := httptest.NewRequest(http.MethodGet, "/sandboxes/"+id, nil)
	req.Header.Set("Authorization", "Bearer dev:u_b")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status for wrong owner = %d, want 404", rec.Code)
	}
}

func TestQuotaMapsTo429(t *testing.T) {
	s := newTestServer(t, quota.Limits{ExecPerHour: 1})
	id := createSandboxID(t, s)

	rec := doRequest(t, s, http.MethodPost, "/sandboxes/"+id+"/exec", `{"argv":["echo","x"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first exec status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodPost, "/sandboxes/"+id+"/exec", `{"argv":["echo","x"]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second exec status = %d, want 429", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["quota_kind"] != "exec_rate" {
		t.Errorf("quota_kind = %q, want exec_rate", body["quota_kind"])
	}
}

func TestSnapshotEndpoints(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	put := httptest.NewRequest(http.MethodPut, "/sandboxes/"+id+"/files/a.txt", strings.NewReader("one"))
	put.Header.Set("Authorization", "Bearer dev:u_a")
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/snapshot/create", `{"sandbox_id":"`+id+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("snapshot create status = %d: %s", rec.Code, rec.Body.String())
	}
	var snap types.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}

	rec = doRequest(t, s, http.MethodGet, "/snapshot/list", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot list status = %d", rec.Code)
	}
	var list types.SnapshotListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Snapshots) != 1 || list.Snapshots[0].ID != snap.ID {
		t.Errorf("unexpected snapshot list: %+v", list)
	}

	rec = doRequest(t, s, http.MethodPost, "/snapshot/restore",
		`{"snapshot_id":"`+snap.ID+`","sandbox_id":"`+id+`"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("restore status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodDelete, "/snapshot/"+snap.ID, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doRequest(t, s, http.MethodPost, "/snapshot/restore",
		`{"snapshot_id":"`+snap.ID+`","sandbox_id":"`+id+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("restore of deleted snapshot = %d, want 404", rec.Code)
	}
}

func TestSnapshotCreateRequiresSandboxID(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	rec := doRequest(t, s, http.MethodPost, "/snapshot/create", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestDestroyEndpoint(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	id := createSandboxID(t, s)

	rec := doRequest(t, s, http.MethodDelete, "/sandboxes/"+id, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("destroy status = %d", rec.Code)
	}
	rec = doRequest(t, s, http.MethodGet, "/sandboxes/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after destroy = %d, want 404", rec.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	s := newTestServer(t, quota.Limits{})
	_ = createSandboxID(t, s)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, series := range []string{"sandbox_created_total", "sandbox_active", "http_requests_total"} {
		if !strings.Contains(body, series) {
			t.Errorf("metrics exposition missing %s", series)
		}
	}
	if !strings.Contains(body, "# HELP") || !strings.Contains(body, "# TYPE") {
		t.Error("metrics exposition missing HELP/TYPE preambles")
	}
}
