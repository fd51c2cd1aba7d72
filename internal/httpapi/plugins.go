package httpapi

import (
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

func (s *Server) pluginManagementAllowed() error {
	if !s.cfg.Plugins.AllowHTTPManagement {
		return streamkiterr.Forbiddenf("", "plugin management over HTTP is disabled (plugins.allow_http_management)")
	}
	return nil
}

func (s *Server) handleListPlugins(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ListNodes {
		return forbidden("list_nodes denied")
	}
	return c.JSON(http.StatusOK, s.plugins.ListPlugins())
}

func (s *Server) handleUploadPlugin(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.LoadPlugins {
		return forbidden("load_plugins denied")
	}
	if err := s.pluginManagementAllowed(); err != nil {
		return httpError(err)
	}

	fileHeader, err := c.FormFile("plugin")
	if err != nil {
		return httpError(streamkiterr.Validationf("", "multipart file field \"plugin\" is required"))
	}
	src, err := fileHeader.Open()
	if err != nil {
		return httpError(streamkiterr.Validationf(fileHeader.Filename, "open uploaded file: %v", err))
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return httpError(streamkiterr.Resourcef(fileHeader.Filename, "read uploaded file: %v", err))
	}

	info, err := s.plugins.Upload(fileHeader.Filename, data)
	if err != nil {
		return httpError(err)
	}
	if !role.IsPluginAllowed(info.Kind) {
		// The plugin loaded successfully, but this role isn't allowed to
		// have uploaded it — unwind rather than leave a kind this caller
		// cannot see reported as if it could use it.
		_ = s.plugins.UnloadPlugin(info.Kind)
		return forbidden("plugin kind not in allowlist")
	}
	return c.JSON(http.StatusCreated, info)
}

func (s *Server) handleDeletePlugin(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.DeletePlugins {
		return forbidden("delete_plugins denied")
	}
	if err := s.pluginManagementAllowed(); err != nil {
		return httpError(err)
	}

	kind := c.Param("kind")
	if !role.IsPluginAllowed(kind) {
		return forbidden("plugin kind not in allowlist")
	}
	keepFile, _ := strconv.ParseBool(c.QueryParam("keep_file"))

	var path string
	for _, info := range s.plugins.ListPlugins() {
		if info.Kind == kind {
			path = info.Path
			break
		}
	}

	if err := s.plugins.UnloadPlugin(kind); err != nil {
		return httpError(err)
	}
	if !keepFile && path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("plugin file removal failed after unload", "kind", kind, "path", path, "err", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}
