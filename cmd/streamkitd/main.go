// Command streamkitd runs the StreamKit pipeline server: it loads
// configuration, registers the built-in node kinds, opens the asset store,
// loads any existing plugins, and serves the REST and WebSocket control
// planes on a single Echo instance until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamkit-io/streamkit/internal/assetstore"
	"github.com/streamkit-io/streamkit/internal/config"
	"github.com/streamkit-io/streamkit/internal/httpapi"
	"github.com/streamkit-io/streamkit/internal/nodes/audio/gain"
	"github.com/streamkit-io/streamkit/internal/nodes/audio/mixer"
	"github.com/streamkit-io/streamkit/internal/nodes/codecs/mp3"
	"github.com/streamkit-io/streamkit/internal/nodes/containers/ogg"
	"github.com/streamkit-io/streamkit/internal/nodes/containers/wav"
	"github.com/streamkit-io/streamkit/internal/nodes/containers/webm"
	"github.com/streamkit-io/streamkit/internal/nodes/core/pacer"
	transporthttp "github.com/streamkit-io/streamkit/internal/nodes/transport/http"
	"github.com/streamkit-io/streamkit/internal/nodes/transport/moq"
	"github.com/streamkit-io/streamkit/internal/pluginhost"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/session"
	"github.com/streamkit-io/streamkit/internal/wsapi"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (optional; built-in defaults + SK_ env overrides apply otherwise)")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "err", err)
		os.Exit(1)
	}

	reg := registry.New()
	if err := registerBuiltinNodes(reg, log); err != nil {
		log.Error("register builtin nodes", "err", err)
		os.Exit(1)
	}

	for _, dir := range []string{cfg.Server.SamplesDir, cfg.Server.AssetsDir, cfg.Plugins.WasmDir, cfg.Plugins.NativeDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create data directory", "dir", dir, "err", err)
			os.Exit(1)
		}
	}

	store, err := assetstore.Open(cfg.Server.DatabasePath, cfg.Server.AssetsDir)
	if err != nil {
		log.Error("open asset store", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	sessions := session.NewManager(reg, cfg.EngineProfile(), session.Limits{
		MaxConcurrentSessions: cfg.Permissions.MaxConcurrentSessions,
		MaxConcurrentOneshots: cfg.Permissions.MaxConcurrentOneshots,
	}, log)

	plugins := pluginhost.NewManager(pluginhost.Config{
		WasmDir:   cfg.Plugins.WasmDir,
		NativeDir: cfg.Plugins.NativeDir,
	}, reg, sessions, log).WithCatalog(store)
	plugins.LoadExisting()

	httpServer := httpapi.New(cfg, reg, sessions, plugins, store, log)
	wsHandler := wsapi.NewHandler(sessions, reg, &cfg.Permissions, log)
	wsHandler.Register(httpServer.Echo())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	log.Info("streamkitd starting",
		"addr", cfg.Server.Addr,
		"engine_profile", string(cfg.EngineProfile()),
	)
	if err := httpServer.Run(ctx, cfg.Server.Addr); err != nil {
		log.Error("server stopped with error", "err", err)
		os.Exit(1)
	}
}

// registerBuiltinNodes wires every shipped node kind into reg; plugin kinds
// register themselves later via pluginhost.Manager.LoadExisting.
func registerBuiltinNodes(reg *registry.Registry, log *slog.Logger) error {
	registrars := []func(*registry.Registry, *slog.Logger) error{
		gain.Register,
		mixer.Register,
		mp3.Register,
		ogg.Register,
		wav.Register,
		webm.Register,
		pacer.Register,
		transporthttp.Register,
		moq.Register,
	}
	for _, register := range registrars {
		if err := register(reg, log); err != nil {
			return err
		}
	}
	return nil
}
