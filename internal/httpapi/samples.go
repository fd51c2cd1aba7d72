package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// sampleInfo describes one stored pipeline-definition sample.
type sampleInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

var sampleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

func sanitizeSampleID(id string) (string, error) {
	if !sampleIDPattern.MatchString(id) {
		return "", streamkiterr.Validationf(id, "sample id must match [a-zA-Z0-9_-]{1,128}")
	}
	return id, nil
}

// listSampleDir lists every *.yaml/*.yml file directly under dir, sorted by
// name; a missing directory is an empty list, not an error, since nothing
// has been written there yet.
func listSampleDir(dir string) ([]sampleInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]sampleInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		out = append(out, sampleInfo{ID: id, Name: entry.Name(), SizeBytes: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// atomicWriteFile writes data to dir/name via a temp-file-plus-rename,
// the same crash-safe pattern assetstore and pluginhost use for on-disk
// writes elsewhere in this server.
func atomicWriteFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sample-write-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Server) oneshotDir() string  { return filepath.Join(s.cfg.Server.SamplesDir, "oneshot") }
func (s *Server) dynamicDir() string  { return filepath.Join(s.cfg.Server.SamplesDir, "dynamic") }

func (s *Server) handleListOneshotSamples(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ListSamples {
		return forbidden("list_samples denied")
	}
	out, err := listSampleDir(s.oneshotDir())
	if err != nil {
		return httpError(streamkiterr.Resourcef("", "list oneshot samples: %v", err))
	}
	filtered := out[:0]
	for _, info := range out {
		if role.IsSampleAllowed("oneshot/" + info.Name) {
			filtered = append(filtered, info)
		}
	}
	return c.JSON(http.StatusOK, filtered)
}

func (s *Server) handleListDynamicSamples(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ListSamples {
		return forbidden("list_samples denied")
	}
	out, err := listSampleDir(s.dynamicDir())
	if err != nil {
		return httpError(streamkiterr.Resourcef("", "list dynamic samples: %v", err))
	}
	filtered := out[:0]
	for _, info := range out {
		if role.IsSampleAllowed("dynamic/" + info.Name) {
			filtered = append(filtered, info)
		}
	}
	return c.JSON(http.StatusOK, filtered)
}

type createSampleRequest struct {
	ID   string `json:"id"`
	YAML string `json:"yaml"`
}

func (s *Server) handleCreateOneshotSample(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.WriteSamples {
		return forbidden("write_samples denied")
	}
	var req createSampleRequest
	if err := c.Bind(&req); err != nil {
		return httpError(streamkiterr.Validationf("", "invalid request body: %v", err))
	}
	id, err := sanitizeSampleID(req.ID)
	if err != nil {
		return httpError(err)
	}
	filename := id + ".yaml"
	if !role.IsSampleAllowed("oneshot/" + filename) {
		return forbidden("sample path not in allowlist")
	}
	if req.YAML == "" {
		return httpError(streamkiterr.Validationf(id, "yaml is required"))
	}
	if err := atomicWriteFile(s.oneshotDir(), filename, []byte(req.YAML)); err != nil {
		return httpError(streamkiterr.Resourcef(id, "write sample: %v", err))
	}
	return c.JSON(http.StatusCreated, sampleInfo{ID: id, Name: filename, SizeBytes: int64(len(req.YAML))})
}

func (s *Server) handleGetOneshotSample(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ReadSamples {
		return forbidden("read_samples denied")
	}
	id, err := sanitizeSampleID(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	filename := id + ".yaml"
	if !role.IsSampleAllowed("oneshot/" + filename) {
		return forbidden("sample path not in allowlist")
	}
	data, err := os.ReadFile(filepath.Join(s.oneshotDir(), filename))
	if err != nil {
		if os.IsNotExist(err) {
			return httpError(streamkiterr.NotFoundf(id, "sample not found"))
		}
		return httpError(streamkiterr.Resourcef(id, "read sample: %v", err))
	}
	return c.Blob(http.StatusOK, "application/yaml", data)
}

func (s *Server) handleDeleteOneshotSample(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.DeleteSamples {
		return forbidden("delete_samples denied")
	}
	id, err := sanitizeSampleID(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	filename := id + ".yaml"
	if !role.IsSampleAllowed("oneshot/" + filename) {
		return forbidden("sample path not in allowlist")
	}
	path := filepath.Join(s.oneshotDir(), filename)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return httpError(streamkiterr.NotFoundf(id, "sample not found"))
		}
		return httpError(streamkiterr.Resourcef(id, "delete sample: %v", err))
	}
	return c.NoContent(http.StatusNoContent)
}
