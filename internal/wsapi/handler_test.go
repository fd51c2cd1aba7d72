package wsapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/permissions"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/session"
)

// blockingNode runs until its context is cancelled, used so a test session
// stays alive long enough to exercise mutation/query requests.
type blockingNode struct{}

func (blockingNode) InputPins() []pin.InputPin   { return nil }
func (blockingNode) OutputPins() []pin.OutputPin { return nil }
func (blockingNode) Run(ctx node.Context) error {
	<-ctx.Done
	return nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	if err := reg.Register(registry.KindInfo{
		Kind:    "test::block",
		Factory: func(_ json.RawMessage) (node.ProcessorNode, error) { return blockingNode{}, nil },
	}); err != nil {
		t.Fatalf("register test kind: %v", err)
	}
	return reg
}

func startTestServer(t *testing.T, perms *permissions.Config) (string, *session.Manager) {
	t.Helper()
	reg := newTestRegistry(t)
	log := slog.New(slog.DiscardHandler)
	sessions := session.NewManager(reg, engine.ProfileBalanced, session.Limits{}, log)

	e := echo.New()
	NewHandler(sessions, reg, perms, log).Register(e)
	httpServer := httptest.NewServer(e)
	t.Cleanup(httpServer.Close)

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	return wsURL, sessions
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/api/v1/control", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	return conn
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env Envelope) {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		var env Envelope
		err := conn.ReadJSON(&env)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.Fatalf("connection closed unexpectedly: %v", err)
			}
			t.Fatalf("read envelope: %v", err)
		}
		if match(env) {
			return env
		}
	}
	t.Fatal("timed out waiting for matching envelope")
	return Envelope{}
}

func adminConfig() *permissions.Config {
	return &permissions.Config{
		DefaultRole: "admin",
		Roles:       map[string]permissions.Permissions{"admin": permissions.Admin()},
	}
}

func TestCreateSessionThenListSessions(t *testing.T) {
	wsURL, _ := startTestServer(t, adminConfig())
	conn := dial(t, wsURL)
	defer conn.Close()

	writeEnvelope(t, conn, Envelope{
		Type:          TypeRequest,
		CorrelationID: "c1",
		Payload:       Payload{Kind: KindCreateSession, YAML: "steps:\n  - kind: test::block\n"},
	})
	resp := readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c1" })
	if resp.Payload.Kind == KindError {
		t.Fatalf("create session failed: %s", resp.Payload.Error)
	}
	sessionID := resp.Payload.SessionID
	if sessionID == "" {
		t.Fatal("expected non-empty session_id")
	}

	writeEnvelope(t, conn, Envelope{Type: TypeRequest, CorrelationID: "c2", Payload: Payload{Kind: KindListSessions}})
	resp = readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c2" })
	if len(resp.Payload.Sessions) != 1 || resp.Payload.Sessions[0].ID != sessionID {
		t.Fatalf("unexpected sessions list: %+v", resp.Payload.Sessions)
	}
}

func TestCreateSessionEmitsRunningStateEvent(t *testing.T) {
	wsURL, _ := startTestServer(t, adminConfig())
	conn := dial(t, wsURL)
	defer conn.Close()

	writeEnvelope(t, conn, Envelope{
		Type:          TypeRequest,
		CorrelationID: "c1",
		Payload:       Payload{Kind: KindCreateSession, YAML: "steps:\n  - kind: test::block\n"},
	})
	resp := readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c1" })
	sessionID := resp.Payload.SessionID

	readUntil(t, conn, func(e Envelope) bool {
		return e.Type == TypeEvent && e.Payload.Kind == KindStateUpdate &&
			e.Payload.NodeState != nil && e.Payload.NodeState.SessionID == sessionID &&
			e.Payload.NodeState.State == string(node.StateRunning)
	})
}

func TestUserRoleCannotCreateSessionWithNonAllowlistedNodeKind(t *testing.T) {
	cfg := &permissions.Config{
		DefaultRole: "user",
		Roles:       map[string]permissions.Permissions{"user": permissions.User()},
	}
	wsURL, _ := startTestServer(t, cfg)
	conn := dial(t, wsURL)
	defer conn.Close()

	writeEnvelope(t, conn, Envelope{
		Type:          TypeRequest,
		CorrelationID: "c1",
		Payload:       Payload{Kind: KindCreateSession, YAML: "steps:\n  - kind: test::block\n"},
	})
	resp := readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c1" })
	if resp.Payload.Kind != KindError {
		t.Fatalf("expected denial, got %+v", resp.Payload)
	}
}

func TestDestroySessionRemovesItFromList(t *testing.T) {
	wsURL, sessions := startTestServer(t, adminConfig())
	conn := dial(t, wsURL)
	defer conn.Close()

	writeEnvelope(t, conn, Envelope{
		Type:          TypeRequest,
		CorrelationID: "c1",
		Payload:       Payload{Kind: KindCreateSession, YAML: "steps:\n  - kind: test::block\n"},
	})
	resp := readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c1" })
	sessionID := resp.Payload.SessionID

	writeEnvelope(t, conn, Envelope{
		Type: TypeRequest, CorrelationID: "c2",
		Payload: Payload{Kind: KindDestroySession, SessionID: sessionID},
	})
	readUntil(t, conn, func(e Envelope) bool { return e.CorrelationID == "c2" })

	if len(sessions.List()) != 0 {
		t.Fatalf("expected session removed, list: %+v", sessions.List())
	}
}

func TestNonOwnerConnectionCannotAccessSessionWithoutAccessAll(t *testing.T) {
	restricted := permissions.User()
	restricted.AccessAllSessions = false
	restricted.AllowedNodes = []string{"*"}
	cfg := &permissions.Config{
		DefaultRole: "user",
		Roles:       map[string]permissions.Permissions{"user": restricted},
	}
	wsURL, _ := startTestServer(t, cfg)

	owner := dial(t, wsURL)
	defer owner.Close()
	writeEnvelope(t, owner, Envelope{
		Type:          TypeRequest,
		CorrelationID: "c1",
		Payload:       Payload{Kind: KindCreateSession, YAML: "steps:\n  - kind: test::block\n"},
	})
	resp := readUntil(t, owner, func(e Envelope) bool { return e.CorrelationID == "c1" })
	if resp.Payload.Kind == KindError {
		t.Fatalf("owner create session failed: %s", resp.Payload.Error)
	}
	sessionID := resp.Payload.SessionID

	stranger := dial(t, wsURL)
	defer stranger.Close()
	writeEnvelope(t, stranger, Envelope{
		Type: TypeRequest, CorrelationID: "c2",
		Payload: Payload{Kind: KindDestroySession, SessionID: sessionID},
	})
	resp = readUntil(t, stranger, func(e Envelope) bool { return e.CorrelationID == "c2" })
	if resp.Payload.Kind != KindError {
		t.Fatalf("expected forbidden error, got %+v", resp.Payload)
	}
}
