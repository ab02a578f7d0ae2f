// Package api exposes the control plane endpoints. Handlers validate and
// dispatch into the runtime, snapshot engine, and proxy; they hold no
// business logic of their own.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opendevbox/opendevbox/internal/auth"
	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/internal/metrics"
	"github.com/opendevbox/opendevbox/internal/proxy"
	"github.com/opendevbox/opendevbox/internal/sandbox"
	"github.com/opendevbox/opendevbox/internal/snapshot"
	"github.com/opendevbox/opendevbox/internal/storage"
)

// Options holds optional server dependencies.
type Options struct {
	Verifier *auth.Verifier
	Proxy    *proxy.Proxy
	Backend  storage.Backend // readiness probe target
}

// Server wires the HTTP surface over the core components.
type Server struct {
	echo     *echo.Echo
	runtime  *sandbox.Runtime
	engine   *snapshot.Engine
	backend  storage.Backend
	verifier *auth.Verifier
}

// NewServer creates the API server with all routes configured.
func NewServer(rt *sandbox.Runtime, eng *snapshot.Engine, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		runtime:  rt,
		engine:   eng,
		backend:  opts.Backend,
		verifier: opts.Verifier,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORS())
	e.Use(metrics.EchoMiddleware())

	// Preview traffic is public: the upstream server inside the sandbox
	// does its own auth if it wants any.
	if opts.Proxy != nil {
		opts.Proxy.Mount(e)
	}

	e.GET("/health", s.health)
	e.GET("/health/ready", s.ready)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	authed := e.Group("")
	if s.verifier != nil {
		authed.Use(s.verifier.Middleware())
	}

	authed.POST("/sandboxes", s.createSandbox)
	authed.GET("/sandboxes", s.listSandboxes)
	authed.GET("/sandboxes/:id", s.getSandbox)
	authed.DELETE("/sandboxes/:id", s.destroySandbox)
	authed.POST("/sandboxes/:id/exec", s.execSandbox)
	authed.PUT("/sandboxes/:id/files/*", s.writeFile)
	authed.GET("/sandboxes/:id/files/*", s.readFile)
	authed.DELETE("/sandboxes/:id/files/*", s.deleteFile)
	authed.GET("/sandboxes/:id/dir/*", s.listDir)
	authed.POST("/sandboxes/:id/preview", s.registerPreview)
	authed.POST("/sandboxes/:id/keepalive", s.keepalive)
	authed.POST("/sandboxes/:id/mount", s.mount)
	authed.POST("/sandboxes/:id/background", s.startBackground)
	authed.DELETE("/sandboxes/:id/background/:job", s.stopBackground)
	authed.GET("/sandboxes/:id/stats", s.sandboxStats)
	authed.GET("/sandboxes/:id/terminal", s.terminal)

	authed.POST("/snapshot/create", s.createSnapshot)
	authed.POST("/snapshot/restore", s.restoreSnapshot)
	authed.GET("/snapshot/list", s.listSnapshots)
	authed.DELETE("/snapshot/:id", s.deleteSnapshot)

	return s
}

// Echo returns the underlying echo instance (tests drive it directly).
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports readiness: the storage backend must answer and the
// isolation driver must be wired.
func (s *Server) ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if s.runtime == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "isolation driver not configured"})
	}
	if s.backend != nil {
		if _, err := s.backend.Exists(ctx, "health/.ready-probe"); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": fmt.Sprintf("storage backend unreachable: %v", err),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

// fail translates a taxonomy error into its HTTP response. Secrets never
// appear in error messages, so bodies carry the message verbatim.
func fail(c echo.Context, err error) error {
	status := errdefs.HTTPStatus(err)
	body := map[string]string{"error": err.Error()}
	if kind := errdefs.QuotaKindOf(err); kind != "" {
		body["quota_kind"] = kind
	}
	return c.JSON(status, body)
}
