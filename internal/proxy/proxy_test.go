package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// fakeRegistry implements Registry for tests.
type fakeRegistry struct {
	mu         sync.Mutex
	targets    map[string]types.Upstream
	promoted   map[string]types.Upstream
	promotions int
	egress     int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		targets:  make(map[string]types.Upstream),
		promoted: make(map[string]types.Upstream),
	}
}

func (f *fakeRegistry) key(sandboxID string, port int) string {
	return sandboxID + ":" + strconv.Itoa(port)
}

func (f *fakeRegistry) register(sandboxID string, port int, upstream types.Upstream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets[f.key(sandboxID, port)] = upstream
}

func (f *fakeRegistry) setPromotionTarget(sandboxID string, port int, upstream types.Upstream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted[f.key(sandboxID, port)] = upstream
}

func (f *fakeRegistry) LookupUpstream(sandboxID string, port int) (types.Upstream, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	up, ok := f.targets[f.key(sandboxID, port)]
	return up, ok
}

func (f *fakeRegistry) PromoteToFallback(ctx context.Context, sandboxID string, port int) (types.Upstream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promotions++
	up, ok := f.promoted[f.key(sandboxID, port)]
	if !ok {
		return types.Upstream{}, errdefs.Upstream(fmt.Errorf("no fallback available"))
	}
	f.targets[f.key(sandboxID, port)] = up
	return up, nil
}

func (f *fakeRegistry) RecordEgress(sandboxID string, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.egress += bytes
}

func upstreamFor(t *testing.T, srv *httptest.Server) types.Upstream {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	return types.Upstream{Host: u.Hostname(), Port: port, Scheme: "http"}
}

func newTestProxy(reg Registry) *echo.Echo {
	e := echo.New()
	p := New(reg, Options{ErrorBudget: 3})
	p.Mount(e)
	return e
}

func TestProxyForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("upstream path = %q, want /api/status", r.URL.Path)
		}
		if r.URL.RawQuery != "verbose=1" {
			t.Errorf("query = %q, want verbose=1", r.URL.RawQuery)
		}
		if r.Header.Get("X-Custom") != "yes" {
			t.Errorf("custom header not forwarded")
		}
		w.Header().Set("X-Upstream", "hit")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "body-bytes")
	}))
	defer upstream.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, upstreamFor(t, upstream))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000/api/status?verbose=1", nil)
	req.Header.Set("X-Custom", "yes")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
	if rec.Body.String() != "body-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "hit" {
		t.Errorf("upstream response header not forwarded")
	}
	if reg.egress != int64(len("body-bytes")) {
		t.Errorf("egress = %d, want %d", reg.egress, len("body-bytes"))
	}
}

func TestProxyEmptyPathMapsToRoot(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			t.Errorf("upstream path = %q, want /", r.URL.Path)
		}
		fmt.Fprint(w, "root")
	}))
	defer upstream.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, upstreamFor(t, upstream))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "root" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxyUnregisteredPort(t *testing.T) {
	reg := newFakeRegistry()
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestProxyInvalidPort(t *testing.T) {
	reg := newFakeRegistry()
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/99999/x", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// A refused upstream spends the error budget within one request, triggers
// exactly one promotion, and the post-promotion upstream completes it.
func TestProxyFallbackPromotion(t *testing.T) {
	// Reserve a port with nothing listening: connections are refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := l.Addr().(*net.TCPAddr).Port
	l.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ping" {
			t.Errorf("fallback path = %q, want /ping", r.URL.Path)
		}
		fmt.Fprint(w, "pong")
	}))
	defer fallback.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, types.Upstream{Host: "127.0.0.1", Port: deadPort, Scheme: "http"})
	reg.setPromotionTarget("sb-abc", 3000, upstreamFor(t, fallback))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "pong" {
		t.Errorf("body = %q, want pong", rec.Body.String())
	}
	if reg.promotions != 1 {
		t.Errorf("promotions = %d, want exactly 1", reg.promotions)
	}
}

func TestProxyUpstream503TriggersPromotion(t *testing.T) {
	sad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sad.Close()

	happy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "recovered")
	}))
	defer happy.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 8080, upstreamFor(t, sad))
	reg.setPromotionTarget("sb-abc", 8080, upstreamFor(t, happy))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/8080/x", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "recovered" {
		t.Errorf("got %d %q, want 200 recovered", rec.Code, rec.Body.String())
	}
	if reg.promotions != 1 {
		t.Errorf("promotions = %d, want 1", reg.promotions)
	}
}

func TestProxySecondFailureReturns502(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadPort := l.Addr().(*net.TCPAddr).Port
	l.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, types.Upstream{Host: "127.0.0.1", Port: deadPort, Scheme: "http"})
	// No promotion target: PromoteToFallback fails.
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000/ping", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestProxyForwardsPostBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "got:%s", body)
	}))
	defer upstream.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, upstreamFor(t, upstream))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodPost, "/preview/sb-abc/3000/submit", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != "got:payload" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestProxyStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Keep-Alive") != "" {
			t.Error("hop-by-hop header forwarded upstream")
		}
		fmt.Fprint(w, "ok")
	}))
	defer upstream.Close()

	reg := newFakeRegistry()
	reg.register("sb-abc", 3000, upstreamFor(t, upstream))
	e := newTestProxy(reg)

	req := httptest.NewRequest(http.MethodGet, "/preview/sb-abc/3000/x", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
