// Package httpapi implements StreamKit's REST control plane (spec.md §6):
// config/permissions/schema introspection, session creation, sample and
// asset CRUD, plugin management, and the one-shot /process convenience
// endpoint. The WebSocket control plane lives in internal/wsapi; the two
// share the same session manager, registry, and permissions config but talk
// to callers over different transports, grounded on the teacher's own
// httpapi/ws split.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/streamkit-io/streamkit/internal/assetstore"
	"github.com/streamkit-io/streamkit/internal/config"
	"github.com/streamkit-io/streamkit/internal/permissions"
	"github.com/streamkit-io/streamkit/internal/pluginhost"
	"github.com/streamkit-io/streamkit/internal/ptype"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/session"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// Server is the Echo application backing the REST control plane.
type Server struct {
	echo *echo.Echo

	cfg      config.Config
	registry *registry.Registry
	sessions *session.Manager
	plugins  *pluginhost.Manager
	assets   *assetstore.Store
	log      *slog.Logger
}

// New constructs an Echo app with StreamKit's REST routes registered.
func New(cfg config.Config, reg *registry.Registry, sessions *session.Manager, plugins *pluginhost.Manager, assets *assetstore.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		registry: reg,
		sessions: sessions,
		plugins:  plugins,
		assets:   assets,
		log:      log,
	}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			if path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests and for mounting the
// WebSocket control plane alongside this one.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	g := s.echo.Group("/api/v1")
	g.GET("/config", s.handleGetConfig)
	g.GET("/permissions", s.handleGetPermissions)
	g.GET("/schema/nodes", s.handleSchemaNodes)
	g.GET("/schema/packets", s.handleSchemaPackets)

	g.POST("/sessions", s.handleCreateSession)
	g.GET("/sessions/:id/pipeline", s.handleGetSessionPipeline)

	g.GET("/samples/oneshot", s.handleListOneshotSamples)
	g.POST("/samples/oneshot", s.handleCreateOneshotSample)
	g.GET("/samples/oneshot/:id", s.handleGetOneshotSample)
	g.DELETE("/samples/oneshot/:id", s.handleDeleteOneshotSample)
	g.GET("/samples/dynamic", s.handleListDynamicSamples)

	g.GET("/plugins", s.handleListPlugins)
	g.POST("/plugins", s.handleUploadPlugin)
	g.DELETE("/plugins/:kind", s.handleDeletePlugin)

	g.GET("/assets/audio", s.handleListAssets)
	g.POST("/assets/audio", s.handleUploadAsset)
	g.GET("/assets/audio/:id", s.handleDownloadAsset)
	g.DELETE("/assets/audio/:id", s.handleDeleteAsset)

	g.POST("/process", s.handleProcess)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

// roleForRequest resolves the caller's permissions from the configured
// trusted role header, same policy wsapi.Handler applies over the
// websocket transport.
func (s *Server) roleForRequest(c echo.Context) permissions.Permissions {
	perms := s.cfg.Permissions
	headerValues := c.Request().Header.Values(perms.RoleHeader)
	headerValue, headerPresent := "", len(headerValues) > 0
	if headerPresent {
		headerValue = headerValues[0]
	}
	return perms.GetRole(perms.ResolveRoleName(headerValue, headerPresent), s.log)
}

// httpError maps a streamkiterr.Kind (or an opaque error) to the
// appropriate HTTP status per spec.md §7's taxonomy.
func httpError(err error) error {
	if err == nil {
		return nil
	}
	var se *streamkiterr.Error
	status := http.StatusInternalServerError
	if streamkiterr.As(err, &se) {
		switch se.Kind {
		case streamkiterr.Validation, streamkiterr.Configuration:
			status = http.StatusBadRequest
		case streamkiterr.NotFound:
			status = http.StatusNotFound
		case streamkiterr.Conflict:
			status = http.StatusConflict
		case streamkiterr.Forbidden:
			status = http.StatusForbidden
		case streamkiterr.Resource:
			status = http.StatusTooManyRequests
		case streamkiterr.Runtime, streamkiterr.Fatal:
			status = http.StatusInternalServerError
		}
	}
	return echo.NewHTTPError(status, err.Error())
}

func forbidden(reason string) error {
	return httpError(streamkiterr.Forbiddenf("", "%s", reason))
}

type configResponse struct {
	Addr                string   `json:"addr"`
	CORSOrigins         []string `json:"cors_origins,omitempty"`
	EngineProfile       string   `json:"engine_profile"`
	PluginHTTPManaged   bool     `json:"plugin_http_management_enabled"`
	MaxConcurrentSess   int      `json:"max_concurrent_sessions"`
	MaxConcurrentOneshot int     `json:"max_concurrent_oneshots"`
}

// handleGetConfig returns a sanitized view of the running configuration —
// no filesystem paths or role definitions, since those can leak deployment
// layout to any caller that can resolve a role at all.
func (s *Server) handleGetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, configResponse{
		Addr:                 s.cfg.Server.Addr,
		CORSOrigins:          s.cfg.Server.CORSOrigins,
		EngineProfile:        string(s.cfg.EngineProfile()),
		PluginHTTPManaged:    s.cfg.Plugins.AllowHTTPManagement,
		MaxConcurrentSess:    s.cfg.Permissions.MaxConcurrentSessions,
		MaxConcurrentOneshot: s.cfg.Permissions.MaxConcurrentOneshots,
	})
}

// handleGetPermissions returns the resolved caller's own capability set
// (allowlists withheld, per permissions.Info).
func (s *Server) handleGetPermissions(c echo.Context) error {
	role := s.roleForRequest(c)
	return c.JSON(http.StatusOK, role.ToInfo())
}

type nodeKindView struct {
	Kind       string `json:"kind"`
	Inputs     []pinView `json:"inputs"`
	Outputs    []pinView `json:"outputs"`
	Categories []string  `json:"categories,omitempty"`
	Dynamic    bool      `json:"dynamic"`
	ParamSchema any      `json:"param_schema,omitempty"`
}

type pinView struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Cardinality string `json:"cardinality"`
}

// handleSchemaNodes lists every registered node kind's static pin/param
// schema, filtered to the caller's node allowlist so catalog browsing
// never reveals a kind the role could not reference anyway.
func (s *Server) handleSchemaNodes(c echo.Context) error {
	role := s.roleForRequest(c)
	if !role.ListNodes {
		return forbidden("list_nodes denied")
	}
	kinds := s.registry.List()
	out := make([]nodeKindView, 0, len(kinds))
	for _, info := range kinds {
		if !role.IsNodeAllowed(info.Kind) {
			continue
		}
		view := nodeKindView{
			Kind:        info.Kind,
			Categories:  info.Categories,
			Dynamic:     info.Dynamic,
			ParamSchema: info.ParamSchema,
		}
		for _, in := range info.Inputs {
			view.Inputs = append(view.Inputs, pinView{Name: in.Name, Type: acceptsSummary(in.AcceptsTypes), Cardinality: string(in.Cardinality)})
		}
		for _, o := range info.Outputs {
			view.Outputs = append(view.Outputs, pinView{Name: o.Name, Type: string(o.ProducesType.Variant), Cardinality: string(o.Cardinality)})
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

// acceptsSummary joins an input pin's accepted variants for display, e.g.
// "raw_audio|opus_audio".
func acceptsSummary(types []ptype.PacketType) string {
	if len(types) == 0 {
		return string(ptype.VariantAny)
	}
	out := string(types[0].Variant)
	for _, t := range types[1:] {
		out += "|" + string(t.Variant)
	}
	return out
}

type packetVariantView struct {
	Variant     string `json:"variant"`
	Description string `json:"description"`
}

// handleSchemaPackets lists the fixed packet-type variants the type system
// supports, for client-side form building; this is a static catalog, not
// registry-derived, since variants are a closed set defined by ptype.
func (s *Server) handleSchemaPackets(c echo.Context) error {
	return c.JSON(http.StatusOK, []packetVariantView{
		{Variant: "raw_audio", Description: "PCM frames with rate/channels/sample-format"},
		{Variant: "opus_audio", Description: "Opus-encoded audio frames"},
		{Variant: "binary", Description: "opaque byte payload"},
		{Variant: "text", Description: "UTF-8 text payload"},
		{Variant: "transcription", Description: "speech-to-text result with timing"},
		{Variant: "custom", Description: "plugin-defined payload, tagged by custom_kind"},
		{Variant: "any", Description: "schema-level wildcard accepted on an input pin"},
		{Variant: "passthrough", Description: "schema-level marker resolved to the upstream type at wiring time"},
	})
}
