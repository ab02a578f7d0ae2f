package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opendevbox/opendevbox/internal/auth"
	"github.com/opendevbox/opendevbox/internal/errdefs"
	"github.com/opendevbox/opendevbox/pkg/types"
)

func (s *Server) createSnapshot(c echo.Context) error {
	var req types.SnapshotCreateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	if req.SandboxID == "" {
		return fail(c, errdefs.InvalidArgument("sandbox_id is required"))
	}
	snap, err := s.runtime.SnapshotWorkspace(c.Request().Context(), auth.UserID(c), req.SandboxID, s.engine)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) restoreSnapshot(c echo.Context) error {
	var req types.SnapshotRestoreRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, errdefs.InvalidArgument("invalid request body: %v", err))
	}
	if req.SnapshotID == "" || req.SandboxID == "" {
		return fail(c, errdefs.InvalidArgument("snapshot_id and sandbox_id are required"))
	}
	if err := s.runtime.RestoreWorkspace(c.Request().Context(), auth.UserID(c), req.SandboxID, req.SnapshotID, s.engine); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listSnapshots(c echo.Context) error {
	snapshots, err := s.engine.List(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, types.SnapshotListResponse{Snapshots: snapshots})
}

func (s *Server) deleteSnapshot(c echo.Context) error {
	if err := s.engine.Delete(c.Request().Context(), auth.UserID(c), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
