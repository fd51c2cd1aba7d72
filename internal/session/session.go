// Package session implements the session_id -> Session map: the top-level
// object the control plane talks to, each entry owning one compiled
// pipeline's live engine.
package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/streamkit-io/streamkit/internal/engine"
	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pipeline"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// Info is the read-only summary returned by List.
type Info struct {
	ID   string
	Name string
	Mode pipeline.Mode
}

// Session pairs one compiled plan with its running engine. Each Session
// holds its own lock for operations against its own engine; the Manager's
// lock only ever guards the session map itself.
type Session struct {
	ID   string
	Name string

	mu     sync.Mutex
	engine *engine.Engine
	plan   *pipeline.Pipeline
}

// GetPipeline returns the session's current compiled plan. The pointer is
// returned as is, not copied.
func (s *Session) GetPipeline() *pipeline.Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// ApplyMutation forwards a single dynamic-mutation op to the session's
// engine. The session lock is held only long enough to read the engine
// pointer — never across the engine round-trip itself, matching spec.md
// §4.3's "no lock held across an await" invariant.
func (s *Session) ApplyMutation(ctx context.Context, op engine.Op) error {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	switch op.Kind {
	case engine.OpAddNode:
		return e.AddNode(ctx, s.ID, op)
	case engine.OpRemoveNode:
		return e.RemoveNode(op.NodeID)
	case engine.OpConnect:
		return e.Connect(op)
	case engine.OpDisconnect:
		return e.Disconnect(op)
	case engine.OpTuneNode:
		return e.TuneNode(op.NodeID, op.TuneMessage)
	default:
		return streamkiterr.Validationf("", "unknown op kind %q", op.Kind)
	}
}

// ApplyBatch validates then applies an ordered op sequence against the
// session's engine.
func (s *Session) ApplyBatch(ctx context.Context, ops []engine.Op) error {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	return e.ApplyBatch(ctx, s.ID, ops)
}

// ValidateBatch dry-runs an op sequence against the session's engine
// without applying it.
func (s *Session) ValidateBatch(ops []engine.Op) error {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	return e.ValidateBatch(ops)
}

// Events exposes the session's engine's observability fan-in channels so a
// control-plane connection can subscribe to state/stats/telemetry without
// reaching into the engine package directly.
func (s *Session) Events() (<-chan node.StateUpdate, <-chan node.StatsSnapshot, <-chan node.TelemetryEvent) {
	s.mu.Lock()
	e := s.engine
	s.mu.Unlock()
	return e.StateUpdates(), e.Stats(), e.Telemetry()
}

// Manager owns the session_id -> Session map. Its lock guards only map
// membership; each Session's own engine round-trips happen outside it.
type Manager struct {
	mu               sync.RWMutex
	sessions         map[string]*Session
	registry         *registry.Registry
	profile          engine.Profile
	log              *slog.Logger
	maxSessions      int
	maxOneshots      int
	oneshotCount     int
}

// Limits bounds concurrent session creation per spec.md §4.7's global caps.
type Limits struct {
	MaxConcurrentSessions  int
	MaxConcurrentOneshots  int
}

func NewManager(reg *registry.Registry, profile engine.Profile, limits Limits, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		registry:    reg,
		profile:     profile,
		log:         log,
		maxSessions: limits.MaxConcurrentSessions,
		maxOneshots: limits.MaxConcurrentOneshots,
	}
}

// Create compiles nothing itself — it accepts an already-compiled plan (the
// control plane runs the compiler first so compile errors surface as 400s
// before any session-level bookkeeping happens) — constructs its engine,
// starts it, and registers it under a fresh id.
func (m *Manager) Create(ctx context.Context, plan *pipeline.Pipeline, name string) (string, error) {
	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		return "", streamkiterr.Resourcef("", "max_concurrent_sessions (%d) reached", m.maxSessions)
	}
	if plan.Mode() == pipeline.OneShot && m.maxOneshots > 0 && m.oneshotCount >= m.maxOneshots {
		m.mu.Unlock()
		return "", streamkiterr.Resourcef("", "max_concurrent_oneshots (%d) reached", m.maxOneshots)
	}
	id := uuid.NewString()
	if plan.Mode() == pipeline.OneShot {
		m.oneshotCount++
	}
	m.mu.Unlock()

	e := engine.New(plan, m.registry, m.profile, m.log.With("session", id))
	if err := e.Start(ctx, id); err != nil {
		m.mu.Lock()
		if plan.Mode() == pipeline.OneShot {
			m.oneshotCount--
		}
		m.mu.Unlock()
		return "", err
	}

	sess := &Session{ID: id, Name: name, engine: e, plan: plan}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return id, nil
}

// Destroy removes a session from the map, then tears down its engine. The
// session is removed before shutdown starts; engine.Shutdown bounds how
// long the teardown waits for every worker to reach a terminal state.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return streamkiterr.NotFoundf(id, "session not found")
	}
	delete(m.sessions, id)
	if sess.plan.Mode() == pipeline.OneShot {
		m.oneshotCount--
	}
	m.mu.Unlock()

	sess.mu.Lock()
	e := sess.engine
	sess.mu.Unlock()
	e.Shutdown()
	return nil
}

// Get returns the session for id, or NotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, streamkiterr.NotFoundf(id, "session not found")
	}
	return sess, nil
}

// List returns a stable snapshot of every live session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{ID: s.ID, Name: s.Name, Mode: s.plan.Mode()})
	}
	return out
}

// KindInUse reports whether any live session's compiled plan still
// declares a node of the given kind. The plugin host consults this before
// honoring an unload request (spec.md §4.5's safe-unload invariant):
// callers must destroy or remove every instance first.
func (m *Manager) KindInUse(kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		plan := s.GetPipeline()
		if plan == nil || plan.Nodes == nil {
			continue
		}
		inUse := false
		plan.Nodes.Each(func(_ string, n pipeline.Node) {
			if n.Kind == kind {
				inUse = true
			}
		})
		if inUse {
			return true
		}
	}
	return false
}
