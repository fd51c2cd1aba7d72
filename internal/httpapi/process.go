package httpapi

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/compiler"
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// processTimeout bounds how long /process waits for a one-shot pipeline to
// reach a terminal state on every node before giving up and destroying the
// session anyway.
const processTimeout = 2 * time.Minute

// inputPathToken is the literal substring a /process pipeline uses in place
// of a file path; the handler rewrites it to the uploaded input's temp path
// before compiling, since YAML has no other way to reference an upload that
// doesn't exist on disk yet at authoring time.
const inputPathToken = "{{input}}"

type processNodeState struct {
	NodeID string `json:"node_id"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

type processResponse struct {
	SessionID string             `json:"session_id"`
	Completed bool               `json:"completed"`
	Nodes     []processNodeState `json:"nodes"`
}

// handleProcess runs a one-shot pipeline synchronously: it compiles the
// submitted plan (mode must be oneshot), optionally wires an uploaded input
// file in for `{{input}}`, creates a session, waits for every node to reach
// a terminal state, tears the session down, and reports the outcome. This
// is a convenience wrapper around the session/engine primitives the rest of
// the control plane exposes piecemeal — spec.md leaves its storage-adapter
// specifics unspecified beyond "multipart pipeline + input".
func (s *Server) handleProcess(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.CreateSessions {
		return forbidden("create_sessions denied")
	}

	yamlText := c.FormValue("pipeline")
	if strings.TrimSpace(yamlText) == "" {
		return httpError(streamkiterr.Validationf("", "multipart field \"pipeline\" is required"))
	}

	var inputPath string
	if fileHeader, err := c.FormFile("input"); err == nil {
		path, cleanup, err := s.stageProcessInput(fileHeader)
		if err != nil {
			return httpError(err)
		}
		defer cleanup()
		inputPath = path
		yamlText = strings.ReplaceAll(yamlText, inputPathToken, inputPath)
	}

	plan, err := compiler.Compile([]byte(yamlText), s.registry)
	if err != nil {
		return httpError(err)
	}
	if plan.Mode() != pipeline.OneShot {
		return httpError(streamkiterr.Validationf("", "mode must be oneshot for /process"))
	}
	if err := checkPlanAllowed(role, plan); err != nil {
		return httpError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	id, err := s.sessions.Create(ctx, plan, "")
	if err != nil {
		return httpError(err)
	}
	defer s.sessions.Destroy(id)

	sess, err := s.sessions.Get(id)
	if err != nil {
		return httpError(err)
	}

	states := make(map[string]processNodeState, plan.Nodes.Len())
	terminal := make(map[string]bool, plan.Nodes.Len())
	stateCh, _, _ := sess.Events()

	completed := s.awaitTerminal(ctx, stateCh, plan, states, terminal)

	out := make([]processNodeState, 0, len(states))
	for _, st := range states {
		out = append(out, st)
	}
	return c.JSON(http.StatusOK, processResponse{SessionID: id, Completed: completed, Nodes: out})
}

// awaitTerminal drains stateCh until every node in plan has reported a
// terminal state (Stopped or Failed) or ctx is done, whichever comes first.
func (s *Server) awaitTerminal(ctx context.Context, stateCh <-chan node.StateUpdate, plan *pipeline.Pipeline, states map[string]processNodeState, terminal map[string]bool) bool {
	total := plan.Nodes.Len()
	if total == 0 {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-stateCh:
			if !ok {
				return len(terminal) >= total
			}
			states[u.NodeID] = processNodeState{NodeID: u.NodeID, State: string(u.State), Reason: string(u.Reason)}
			if u.State == node.StateStopped || u.State == node.StateFailed {
				terminal[u.NodeID] = true
			}
			if len(terminal) >= total {
				return true
			}
		}
	}
}

// stageProcessInput writes an uploaded input file to a temp path the
// pipeline's file-reading node can open, returning a cleanup func the
// caller must defer.
func (s *Server) stageProcessInput(fileHeader *multipart.FileHeader) (string, func(), error) {
	src, err := fileHeader.Open()
	if err != nil {
		return "", func() {}, streamkiterr.Validationf(fileHeader.Filename, "open uploaded input: %v", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "streamkit-process-input-*")
	if err != nil {
		return "", func() {}, streamkiterr.Resourcef(fileHeader.Filename, "create temp input file: %v", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", func() {}, streamkiterr.Resourcef(fileHeader.Filename, "write temp input file: %v", err)
	}
	path := tmp.Name()
	tmp.Close()
	return path, func() { os.Remove(path) }, nil
}
