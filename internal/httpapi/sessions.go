package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/compiler"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

type createSessionRequest struct {
	YAML string `json:"yaml"`
	Name string `json:"name,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleCreateSession(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.CreateSessions {
		return forbidden("create_sessions denied")
	}

	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return httpError(streamkiterr.Validationf("", "invalid request body: %v", err))
	}
	if req.YAML == "" {
		return httpError(streamkiterr.Validationf("", "yaml is required"))
	}

	plan, err := compiler.Compile([]byte(req.YAML), s.registry)
	if err != nil {
		return httpError(err)
	}
	if err := checkPlanAllowed(role, plan); err != nil {
		return httpError(err)
	}

	id, err := s.sessions.Create(c.Request().Context(), plan, req.Name)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, createSessionResponse{SessionID: id})
}

// checkPlanAllowed rejects a compiled plan referencing any node kind outside
// the caller's node allowlist. Shared with wsapi's CreateSession handling —
// duplicated rather than imported since httpapi and wsapi are independent
// control-plane transports with no dependency between them.
func checkPlanAllowed(role interface {
	IsNodeAllowed(string) bool
}, plan *pipeline.Pipeline) error {
	var denied string
	plan.Nodes.Each(func(_ string, n pipeline.Node) {
		if denied == "" && !role.IsNodeAllowed(n.Kind) {
			denied = n.Kind
		}
	})
	if denied != "" {
		return streamkiterr.Forbiddenf(denied, "node kind not in allowlist")
	}
	return nil
}

type pipelineView struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Mode        string             `json:"mode"`
	Nodes       []pipelineNodeView `json:"nodes"`
	Connections []connectionView   `json:"connections"`
}

type pipelineNodeView struct {
	ID     string          `json:"id"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params,omitempty"`
}

type connectionView struct {
	FromNode string `json:"from_node"`
	FromPin  string `json:"from_pin"`
	ToNode   string `json:"to_node"`
	ToPin    string `json:"to_pin"`
	Mode     string `json:"mode"`
}

func toPipelineView(plan *pipeline.Pipeline) pipelineView {
	view := pipelineView{Name: plan.Name, Description: plan.Description, Mode: string(plan.Mode())}
	plan.Nodes.Each(func(id string, n pipeline.Node) {
		view.Nodes = append(view.Nodes, pipelineNodeView{ID: id, Kind: n.Kind, Params: n.Params})
	})
	for _, conn := range plan.Connections {
		view.Connections = append(view.Connections, connectionView{
			FromNode: conn.FromNode, FromPin: conn.FromPin, ToNode: conn.ToNode, ToPin: conn.ToPin, Mode: string(conn.Mode),
		})
	}
	return view
}

func (s *Server) handleGetSessionPipeline(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ListSessions {
		return forbidden("list_sessions denied")
	}
	// REST has no connection to scope session ownership to (unlike wsapi,
	// which tracks per-connection owned session ids) — a role without
	// AccessAllSessions relies on ListSessions plus not being handed an id
	// it didn't create via some other channel.
	id := c.Param("id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toPipelineView(sess.GetPipeline()))
}
