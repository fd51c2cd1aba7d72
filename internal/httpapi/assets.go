package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/assetstore"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// assetPath is the allowlist-matchable path for an uploaded audio asset
// named name, mirrored against permissions.User()'s default
// AllowedAssets entries ("samples/audio/user/*").
func assetPath(name string) string {
	return "samples/audio/user/" + name
}

func (s *Server) handleListAssets(c echo.Context) error {
	list, err := s.assets.ListAssets(c.Request().Context())
	if err != nil {
		return httpError(streamkiterr.Resourcef("", "list assets: %v", err))
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleUploadAsset(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.UploadAssets {
		return forbidden("upload_assets denied")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httpError(streamkiterr.Validationf("", "multipart file field \"file\" is required"))
	}
	if !role.IsAssetAllowed(assetPath(fileHeader.Filename)) {
		return forbidden("asset path not in allowlist")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return httpError(streamkiterr.Validationf(fileHeader.Filename, "open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.assets.PutAsset(c.Request().Context(), assetstore.PutAssetInput{
		Name:        fileHeader.Filename,
		ContentType: contentType,
		Reader: func(dst *os.File) (int64, error) {
			return io.Copy(dst, src)
		},
	})
	if err != nil {
		return httpError(streamkiterr.Resourcef(fileHeader.Filename, "persist asset: %v", err))
	}
	return c.JSON(http.StatusCreated, meta)
}

func (s *Server) handleDownloadAsset(c echo.Context) error {
	id := c.Param("id")
	result, err := s.assets.OpenAsset(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, assetstore.ErrAssetNotFound) {
			return httpError(streamkiterr.NotFoundf(id, "asset not found"))
		}
		return httpError(streamkiterr.Resourcef(id, "open asset: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, safeAssetFilename(result.Metadata.Name)))
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func (s *Server) handleDeleteAsset(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.DeleteAssets {
		return forbidden("delete_assets denied")
	}
	id := c.Param("id")
	meta, err := s.assets.AssetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, assetstore.ErrAssetNotFound) {
			return httpError(streamkiterr.NotFoundf(id, "asset not found"))
		}
		return httpError(streamkiterr.Resourcef(id, "lookup asset: %v", err))
	}
	if !role.IsAssetAllowed(assetPath(meta.Name)) {
		return forbidden("asset path not in allowlist")
	}
	if err := s.assets.DeleteAsset(c.Request().Context(), id); err != nil {
		return httpError(streamkiterr.Resourcef(id, "delete asset: %v", err))
	}
	return c.NoContent(http.StatusNoContent)
}

func safeAssetFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "asset"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
