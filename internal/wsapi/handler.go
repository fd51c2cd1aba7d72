package wsapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/compiler"
	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/permissions"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/session"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const writeTimeout = 5 * time.Second

// Handler owns the WebSocket control plane transport.
type Handler struct {
	sessions *session.Manager
	registry *registry.Registry
	perms    *permissions.Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a control-plane websocket handler.
func NewHandler(sessions *session.Manager, reg *registry.Registry, perms *permissions.Config, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		registry: reg,
		perms:    perms,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the control-plane route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/api/v1/control", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()

	headerValues := c.Request().Header.Values(h.perms.RoleHeader)
	headerValue, headerPresent := "", len(headerValues) > 0
	if headerPresent {
		headerValue = headerValues[0]
	}
	role := h.perms.GetRole(h.perms.ResolveRoleName(headerValue, headerPresent), h.log)

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, remoteAddr, role)
	return nil
}

// connState tracks the per-connection bookkeeping a single control-plane
// client needs: its outbound send queue and the sessions it created, used
// to scope access when the connection's role lacks AccessAllSessions.
type connState struct {
	send    chan Envelope
	done    chan struct{}
	owned   map[string]bool
	forward map[string]context.CancelFunc
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string, role permissions.Permissions) {
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	cs := &connState{
		send:    make(chan Envelope, 64),
		done:    make(chan struct{}),
		owned:   make(map[string]bool),
		forward: make(map[string]context.CancelFunc),
	}
	defer func() {
		close(cs.done)
		for _, cancel := range cs.forward {
			cancel()
		}
	}()

	h.log.Info("ws control connected", "remote", remoteAddr)
	defer h.log.Info("ws control disconnected", "remote", remoteAddr)

	go func() {
		for out := range cs.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				h.log.Debug("ws control write error", "remote", remoteAddr, "err", err)
				return
			}
		}
	}()

	for {
		var in Envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("ws control unexpected close", "remote", remoteAddr, "err", err)
			}
			return
		}
		if in.Type != TypeRequest {
			continue
		}
		resp := h.dispatch(cs, role, in)
		if resp == nil {
			continue
		}
		select {
		case cs.send <- *resp:
		default:
			h.log.Warn("ws control send queue full, response dropped", "remote", remoteAddr, "kind", in.Payload.Kind)
		}
	}
}

// dispatch handles one request envelope and returns the response to send,
// or nil for fire-and-forget kinds (TuneNodeAsync).
func (h *Handler) dispatch(cs *connState, role permissions.Permissions, in Envelope) *Envelope {
	p := in.Payload
	reply := func(payload Payload) *Envelope {
		return &Envelope{Type: TypeResponse, CorrelationID: in.CorrelationID, Payload: payload}
	}
	fail := func(err error) *Envelope {
		e := errorResponse(in.CorrelationID, err.Error())
		return &e
	}

	switch p.Kind {
	case KindCreateSession:
		if !role.CreateSessions {
			return fail(streamkiterr.Forbiddenf("", "create_sessions denied"))
		}
		plan, err := compiler.Compile([]byte(p.YAML), h.registry)
		if err != nil {
			return fail(err)
		}
		if err := checkPlanAllowed(role, plan); err != nil {
			return fail(err)
		}
		id, err := h.sessions.Create(context.Background(), plan, p.Name)
		if err != nil {
			return fail(err)
		}
		cs.owned[id] = true
		h.startForwarder(cs, id)
		return reply(Payload{Kind: KindCreateSession, SessionID: id})

	case KindDestroySession:
		if !role.DestroySessions {
			return fail(streamkiterr.Forbiddenf("", "destroy_sessions denied"))
		}
		if err := h.authorizeSession(cs, role, p.SessionID); err != nil {
			return fail(err)
		}
		if err := h.sessions.Destroy(p.SessionID); err != nil {
			return fail(err)
		}
		delete(cs.owned, p.SessionID)
		if cancel, ok := cs.forward[p.SessionID]; ok {
			cancel()
			delete(cs.forward, p.SessionID)
		}
		return reply(Payload{Kind: KindDestroySession, SessionID: p.SessionID})

	case KindListSessions:
		if !role.ListSessions {
			return fail(streamkiterr.Forbiddenf("", "list_sessions denied"))
		}
		all := h.sessions.List()
		out := make([]SessionInfo, 0, len(all))
		for _, info := range all {
			if !role.AccessAllSessions && !cs.owned[info.ID] {
				continue
			}
			out = append(out, SessionInfo{ID: info.ID, Name: info.Name, Mode: string(info.Mode)})
		}
		return reply(Payload{Kind: KindListSessions, Sessions: out})

	case KindGetPipeline:
		if !role.ListSessions {
			return fail(streamkiterr.Forbiddenf("", "list_sessions denied"))
		}
		if err := h.authorizeSession(cs, role, p.SessionID); err != nil {
			return fail(err)
		}
		sess, err := h.sessions.Get(p.SessionID)
		if err != nil {
			return fail(err)
		}
		view := toPipelineView(sess.GetPipeline())
		return reply(Payload{Kind: KindGetPipeline, SessionID: p.SessionID, Pipeline: &view})

	case KindAddNode, KindRemoveNode, KindConnect, KindDisconnect, KindTuneNode, KindTuneNodeAsync:
		async := p.Kind == KindTuneNodeAsync
		if err := h.applyMutation(cs, role, p); err != nil {
			if async {
				h.log.Warn("tune_node_async failed", "session", p.SessionID, "node", p.NodeID, "err", err)
				return nil
			}
			return fail(err)
		}
		if async {
			return nil
		}
		return reply(Payload{Kind: p.Kind, SessionID: p.SessionID})

	case KindValidateBatch, KindApplyBatch:
		if !role.ModifySessions {
			return fail(streamkiterr.Forbiddenf("", "modify_sessions denied"))
		}
		if err := h.authorizeSession(cs, role, p.SessionID); err != nil {
			return fail(err)
		}
		ops, err := convertOps(p.Ops)
		if err != nil {
			return fail(err)
		}
		if err := checkOpsAllowed(role, ops); err != nil {
			return fail(err)
		}
		sess, err := h.sessions.Get(p.SessionID)
		if err != nil {
			return fail(err)
		}
		if p.Kind == KindValidateBatch {
			if err := sess.ValidateBatch(ops); err != nil {
				return fail(err)
			}
			return reply(Payload{Kind: KindValidateBatch, SessionID: p.SessionID})
		}
		if err := sess.ApplyBatch(context.Background(), ops); err != nil {
			return fail(err)
		}
		return reply(Payload{Kind: KindApplyBatch, SessionID: p.SessionID})

	default:
		return fail(streamkiterr.Validationf("", "unsupported request kind %q", p.Kind))
	}
}

func (h *Handler) applyMutation(cs *connState, role permissions.Permissions, p Payload) error {
	switch p.Kind {
	case KindTuneNode, KindTuneNodeAsync:
		if !role.TuneNodes {
			return streamkiterr.Forbiddenf("", "tune_nodes denied")
		}
	default:
		if !role.ModifySessions {
			return streamkiterr.Forbiddenf("", "modify_sessions denied")
		}
	}
	if err := h.authorizeSession(cs, role, p.SessionID); err != nil {
		return err
	}
	sess, err := h.sessions.Get(p.SessionID)
	if err != nil {
		return err
	}
	op, err := convertOp(OpPayload{
		Kind: requestKindToOpKind(p.Kind), NodeID: p.NodeID, NodeKind: p.NodeKind, Params: p.Params,
		FromNode: p.FromNode, FromPin: p.FromPin, ToNode: p.ToNode, ToPin: p.ToPin, Mode: p.Mode,
		TuneMessage: p.Message,
	})
	if err != nil {
		return err
	}
	if op.Kind == engine.OpAddNode && !role.IsNodeAllowed(op.NodeKind) {
		return streamkiterr.Forbiddenf(op.NodeKind, "node kind not in allowlist")
	}
	return sess.ApplyMutation(context.Background(), op)
}

func requestKindToOpKind(kind string) string {
	switch kind {
	case KindAddNode:
		return string(engine.OpAddNode)
	case KindRemoveNode:
		return string(engine.OpRemoveNode)
	case KindConnect:
		return string(engine.OpConnect)
	case KindDisconnect:
		return string(engine.OpDisconnect)
	case KindTuneNode, KindTuneNodeAsync:
		return string(engine.OpTuneNode)
	default:
		return ""
	}
}

// authorizeSession enforces per-connection session scoping for roles
// without AccessAllSessions: a connection may only operate on sessions it
// created.
func (h *Handler) authorizeSession(cs *connState, role permissions.Permissions, sessionID string) error {
	if sessionID == "" {
		return streamkiterr.Validationf("", "session_id is required")
	}
	if role.AccessAllSessions || cs.owned[sessionID] {
		return nil
	}
	return streamkiterr.Forbiddenf(sessionID, "session not accessible to this connection")
}

func checkPlanAllowed(role permissions.Permissions, plan *pipeline.Pipeline) error {
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

func checkOpsAllowed(role permissions.Permissions, ops []engine.Op) error {
	for _, op := range ops {
		if op.Kind == engine.OpAddNode && !role.IsNodeAllowed(op.NodeKind) {
			return streamkiterr.Forbiddenf(op.NodeKind, "node kind not in allowlist")
		}
	}
	return nil
}

func convertOps(in []OpPayload) ([]engine.Op, error) {
	out := make([]engine.Op, 0, len(in))
	for _, p := range in {
		op, err := convertOp(p)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func convertOp(p OpPayload) (engine.Op, error) {
	kind := engine.OpKind(p.Kind)
	switch kind {
	case engine.OpAddNode, engine.OpRemoveNode, engine.OpConnect, engine.OpDisconnect, engine.OpTuneNode:
	default:
		return engine.Op{}, streamkiterr.Validationf("", "unknown op kind %q", p.Kind)
	}
	mode := pipeline.Reliable
	if p.Mode != "" {
		mode = pipeline.ConnectionMode(p.Mode)
	}
	return engine.Op{
		Kind:        kind,
		NodeID:      p.NodeID,
		NodeKind:    p.NodeKind,
		Params:      p.Params,
		FromNode:    p.FromNode,
		FromPin:     p.FromPin,
		ToNode:      p.ToNode,
		ToPin:       p.ToPin,
		Mode:        mode,
		TuneMessage: p.TuneMessage,
	}, nil
}

func toPipelineView(plan *pipeline.Pipeline) PipelineView {
	view := PipelineView{Name: plan.Name, Description: plan.Description, Mode: string(plan.Mode())}
	plan.Nodes.Each(func(id string, n pipeline.Node) {
		view.Nodes = append(view.Nodes, PipelineNodeView{ID: id, Kind: n.Kind, Params: n.Params})
	})
	for _, c := range plan.Connections {
		view.Connections = append(view.Connections, ConnectionView{
			FromNode: c.FromNode, FromPin: c.FromPin, ToNode: c.ToNode, ToPin: c.ToPin, Mode: string(c.Mode),
		})
	}
	return view
}

// startForwarder spawns a goroutine that merges a session's three
// observability channels into the connection's single event stream (spec.md
// §2: "emits a single event stream per connection"), running until either
// the connection closes or the session is explicitly destroyed.
func (h *Handler) startForwarder(cs *connState, sessionID string) {
	sess, err := h.sessions.Get(sessionID)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	cs.forward[sessionID] = cancel

	stateCh, statsCh, telemetryCh := sess.Events()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-cs.done:
				return
			case u, ok := <-stateCh:
				if !ok {
					stateCh = nil
					continue
				}
				h.emit(cs, sessionID, Payload{Kind: KindStateUpdate, NodeState: &NodeStateEvent{
					SessionID: sessionID, NodeID: u.NodeID, State: string(u.State), Reason: string(u.Reason),
					FailReason: u.FailReason, Detail: u.Detail, Attempt: u.Attempt,
				}})
			case s, ok := <-statsCh:
				if !ok {
					statsCh = nil
					continue
				}
				h.emit(cs, sessionID, Payload{Kind: KindStatsSnapshot, Stats: &StatsEvent{
					SessionID: sessionID, NodeID: s.NodeID, Received: s.Received, Sent: s.Sent,
					Errored: s.Errored, Discarded: s.Discarded, Final: s.Final,
				}})
			case t, ok := <-telemetryCh:
				if !ok {
					telemetryCh = nil
					continue
				}
				h.emit(cs, sessionID, Payload{Kind: KindTelemetryEvent, Telemetry: &TelemetryEvt{
					SessionID: sessionID, NodeID: t.NodeID, EventType: t.EventType, Payload: t.Payload,
				}})
			}
		}
	}()
}

func (h *Handler) emit(cs *connState, sessionID string, payload Payload) {
	env := Envelope{Type: TypeEvent, Payload: payload}
	select {
	case cs.send <- env:
	case <-cs.done:
	default:
		h.log.Warn("ws control event dropped, send queue full", "session", sessionID, "kind", payload.Kind)
	}
}
