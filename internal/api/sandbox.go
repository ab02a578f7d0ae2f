package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/opendevbox/opendevbox/internal/auth"
	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/pkg/types"
)

func (s *Server) createSandbox(c echo.Context) error {
	var cfg types.SandboxConfig
	if err := c.Bind(&cfg); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	sb, err := s.runtime.Create(c.Request().Context(), auth.UserID(c), cfg)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, sb)
}

func (s *Server) listSandboxes(c echo.Context) error {
	return c.JSON(http.StatusOK, types.SandboxListResponse{
		Sandboxes: s.runtime.List(auth.UserID(c)),
	})
}

func (s *Server) getSandbox(c echo.Context) error {
	sb, err := s.runtime.Get(c.Param("id"), auth.UserID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, sb)
}

// destroySandbox tears the sandbox down; ?snapshot=true archives the
// workspace first.
func (s *Server) destroySandbox(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserID(c)
	id := c.Param("id")

	if c.QueryParam("snapshot") == "true" {
		if _, err := s.runtime.SnapshotWorkspace(ctx, userID, id, s.engine); err != nil {
			return fail(c, err)
		}
	}
	if err := s.runtime.Destroy(ctx, userID, id); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) execSandbox(c echo.Context) error {
	var req types.ExecRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	result, err := s.runtime.Exec(c.Request().Context(), auth.UserID(c), c.Param("id"), req)
	if err != nil {
		return fail(c, err)
	}
	// Command failures are data, not HTTP errors.
	return c.JSON(http.StatusOK, result)
}

func (s *Server) writeFile(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, errdefs.InvalidArgument("failed to read request body"))
	}
	if err := s.runtime.WriteFile(auth.UserID(c), c.Param("id"), c.Param("*"), data); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) readFile(c echo.Context) error {
	data, err := s.runtime.ReadFile(auth.UserID(c), c.Param("id"), c.Param("*"))
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", data)
}

func (s *Server) deleteFile(c echo.Context) error {
	if err := s.runtime.DeleteFile(auth.UserID(c), c.Param("id"), c.Param("*")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listDir(c echo.Context) error {
	entries, err := s.runtime.ListDir(auth.UserID(c), c.Param("id"), c.Param("*"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (s *Server) registerPreview(c echo.Context) error {
	var req types.PreviewRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	if err := s.runtime.RegisterPreview(auth.UserID(c), c.Param("id"), req.Port, req.Upstream); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) keepalive(c echo.Context) error {
	var req types.KeepaliveRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	deadline, err := s.runtime.Keepalive(auth.UserID(c), c.Param("id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deadline": deadline})
}

func (s *Server) mount(c echo.Context) error {
	var req types.MountRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	if err := s.runtime.Mount(c.Request().Context(), auth.UserID(c), c.Param("id"), req.HostPath, req.GuestPath, req.ReadOnly); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) startBackground(c echo.Context) error {
	var req types.BackgroundRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	jobID, err := s.runtime.StartBackground(auth.UserID(c), c.Param("id"), req.Argv)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, types.BackgroundResponse{JobID: jobID})
}

func (s *Server) stopBackground(c echo.Context) error {
	info, err := s.runtime.StopBackground(auth.UserID(c), c.Param("id"), c.Param("job"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) sandboxStats(c echo.Context) error {
	stats, err := s.runtime.Stats(auth.UserID(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
