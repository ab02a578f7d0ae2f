// Package proxy exposes sandbox preview ports to external HTTP clients,
// promoting targets to a fallback backend when their upstream dies.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opendevbox/opendevbox/internal/metrics"
	"github.com/opendevbox/opendevbox/pkg/types"
)

// Registry is the runtime surface the proxy depends on: upstream
// resolution and the promotion contract.
type Registry interface {
	LookupUpstream(sandboxID string, port int) (types.Upstream, bool)
	PromoteToFallback(ctx context.Context, sandboxID string, port int) (types.Upstream, error)
	RecordEgress(sandboxID string, bytes int64)
}

// Options configures the preview proxy.
type Options struct {
	DialTimeout time.Duration // upstream dial timeout, default 5s
	ErrorBudget int           // consecutive failures before promotion, default 3
}

// Proxy reverse-proxies /preview/<sandbox>/<port>/<path…> traffic.
type Proxy struct {
	registry Registry
	opts     Options

	transport *http.Transport

	mu       sync.Mutex
	failures map[string]int // consecutive failures per "<sandbox>:<port>"
}

// New creates a preview proxy.
func New(registry Registry, opts Options) *Proxy {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.ErrorBudget <= 0 {
		opts.ErrorBudget = 3
	}
	return &Proxy{
		registry: registry,
		opts:     opts,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: opts.DialTimeout,
			}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
			DisableCompression:    true,
		},
		failures: make(map[string]int),
	}
}

// Mount registers the preview routes on the echo instance.
func (p *Proxy) Mount(e *echo.Echo) {
	e.Any("/preview/:sandbox/:port", p.handle)
	e.Any("/preview/:sandbox/:port/*", p.handle)
}

func targetKey(sandboxID string, port int) string {
	return sandboxID + ":" + strconv.Itoa(port)
}

func (p *Proxy) failureCount(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[key]
}

func (p *Proxy) recordFailure(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[key]++
	return p.failures[key]
}

func (p *Proxy) resetFailures(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.failures, key)
}

func (p *Proxy) handle(c echo.Context) error {
	sandboxID := c.Param("sandbox")
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid preview port"})
	}

	upstream, ok := p.registry.LookupUpstream(sandboxID, port)
	if !ok {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": fmt.Sprintf("no server listening on sandbox %s port %d", sandboxID, port),
		})
	}

	metrics.PreviewProxyInFlight.Inc()
	defer metrics.PreviewProxyInFlight.Dec()

	// The remainder after /preview/<sandbox>/<port> is the upstream path.
	upstreamPath := "/" + c.Param("*")
	if c.Param("*") == "" {
		upstreamPath = "/"
	}

	if isWebSocketUpgrade(c.Request()) {
		return p.proxyWebSocket(c, sandboxID, port, upstream)
	}
	return p.proxyHTTP(c, sandboxID, port, upstream, upstreamPath)
}

// proxyHTTP forwards one request, retrying against the upstream until the
// target's error budget is spent, then promoting to the fallback backend
// and retrying once. Response bodies are streamed, not buffered.
func (p *Proxy) proxyHTTP(c echo.Context, sandboxID string, port int, upstream types.Upstream, upstreamPath string) error {
	req := c.Request()
	key := targetKey(sandboxID, port)

	// The request body is buffered so the attempt can be replayed after
	// a promotion; responses stream through untouched.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		}
	}

	attempt := func(up types.Upstream) (*http.Response, error) {
		out, err := p.buildUpstreamRequest(req, up, upstreamPath, bodyBytes)
		if err != nil {
			return nil, err
		}
		resp, err := p.transport.RoundTrip(out)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable {
			resp.Body.Close()
			return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return resp, nil
	}

	var resp *http.Response
	var lastErr error
	for p.failureCount(key) < p.opts.ErrorBudget {
		resp, lastErr = attempt(upstream)
		if lastErr == nil {
			p.resetFailures(key)
			return p.streamResponse(c, sandboxID, resp)
		}
		p.recordFailure(key)
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
	}

	// Error budget spent: ask the runtime to promote this target, then
	// retry exactly once against the new upstream.
	log.Printf("proxy: error budget spent for %s (last error: %v), requesting promotion", key, lastErr)
	promoted, err := p.registry.PromoteToFallback(req.Context(), sandboxID, port)
	if err != nil {
		log.Printf("proxy: promotion failed for %s: %v", key, err)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": fmt.Sprintf("sandbox %s port %d: upstream unavailable", sandboxID, port),
		})
	}

	resp, lastErr = attempt(promoted)
	if lastErr != nil {
		log.Printf("proxy: post-promotion attempt failed for %s: %v", key, lastErr)
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": fmt.Sprintf("sandbox %s port %d: upstream unavailable", sandboxID, port),
		})
	}
	p.resetFailures(key)
	return p.streamResponse(c, sandboxID, resp)
}

// buildUpstreamRequest clones the client request toward the upstream,
// dropping hop-by-hop headers.
func (p *Proxy) buildUpstreamRequest(req *http.Request, upstream types.Upstream, path string, body []byte) (*http.Request, error) {
	scheme := upstream.Scheme
	if scheme == "" {
		scheme = "http"
	}
	url := fmt.Sprintf("%s://%s:%d%s", scheme, upstream.Host, upstream.Port, path)
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(req.Context(), req.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyHeaders(out.Header, req.Header)
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)
	out.Header.Set("X-Forwarded-Host", req.Host)
	return out, nil
}

// streamResponse copies status, headers, and body to the client without
// buffering, accounting the bytes as sandbox egress.
func (p *Proxy) streamResponse(c echo.Context, sandboxID string, resp *http.Response) error {
	defer resp.Body.Close()

	w := c.Response()
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	p.registry.RecordEgress(sandboxID, written)
	if err != nil {
		// Client went away mid-stream; nothing more to send.
		log.Printf("proxy: stream to client interrupted for sandbox %s: %v", sandboxID, err)
	}
	return nil
}

// proxyWebSocket hijacks the client connection and pipes raw bytes to the
// upstream, forwarding the original upgrade handshake.
func (p *Proxy) proxyWebSocket(c echo.Context, sandboxID string, port int, upstream types.Upstream) error {
	key := targetKey(sandboxID, port)
	addr := fmt.Sprintf("%s:%d", upstream.Host, upstream.Port)

	conn, err := net.DialTimeout("tcp", addr, p.opts.DialTimeout)
	if err != nil {
		if p.recordFailure(key) >= p.opts.ErrorBudget {
			if promoted, perr := p.registry.PromoteToFallback(c.Request().Context(), sandboxID, port); perr == nil {
				addr = fmt.Sprintf("%s:%d", promoted.Host, promoted.Port)
				conn, err = net.DialTimeout("tcp", addr, p.opts.DialTimeout)
			}
		}
		if err != nil {
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": fmt.Sprintf("sandbox %s port %d: upstream unavailable", sandboxID, port),
			})
		}
	}
	defer conn.Close()
	p.resetFailures(key)

	hijacker, ok := c.Response().Writer.(http.Hijacker)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "websocket hijack not supported"})
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		log.Printf("proxy: websocket hijack failed for %s: %v", key, err)
		return err
	}
	defer clientConn.Close()

	// Replay the upgrade request (path rewritten) to the upstream.
	req := c.Request().Clone(context.Background())
	req.URL.Path = "/" + c.Param("*")
	req.URL.Host = addr
	if err := req.Write(conn); err != nil {
		log.Printf("proxy: websocket handshake write failed for %s: %v", key, err)
		return nil
	}
	if n := clientBuf.Reader.Buffered(); n > 0 {
		pending := make([]byte, n)
		if _, err := io.ReadFull(clientBuf, pending); err == nil {
			conn.Write(pending)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		written, _ := io.Copy(clientConn, conn)
		p.registry.RecordEgress(sandboxID, written)
		if tc, ok := clientConn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, clientConn)
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	wg.Wait()
	return nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// hopByHop lists headers that must not be forwarded in either direction.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
	// Drop headers named by the Connection header too.
	for _, conn := range src.Values("Connection") {
		for _, name := range strings.Split(conn, ",") {
			dst.Del(strings.TrimSpace(name))
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHop {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
