// Package pluginhost implements the unified WASM + native plugin manager:
// directory scanning at startup, namespaced registration into the process
// registry, atomic upload of newly-submitted plugin binaries, reference-
// counted resource caching, and pre-warming. Grounded throughout on
// apps/skit/src/plugins.rs's UnifiedPluginManager.
package pluginhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/pluginhost/nativerpc"
	"github.com/streamkit-io/streamkit/internal/pluginhost/wasmrt"
	"github.com/streamkit-io/streamkit/internal/registry"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

const (
	wasmNamespacePrefix   = "plugin::wasm::"
	nativeNamespacePrefix = "plugin::native::"
)

// Backend distinguishes the two plugin loading mechanisms.
type Backend int

const (
	BackendWasm Backend = iota
	BackendNative
)

func (b Backend) String() string {
	if b == BackendWasm {
		return "wasm"
	}
	return "native"
}

// sessionLister is the subset of *session.Manager the host needs to enforce
// safe-unload. A narrow interface here avoids a hard dependency on the
// session package's full surface and keeps this package testable with a
// stub.
type sessionLister interface {
	KindInUse(kind string) bool
}

// catalogRecorder is the subset of *assetstore.Store the host needs to keep
// the on-disk plugin catalog in sync with load/unload. Optional: a nil
// catalog simply skips persistence, leaving the registry as the sole source
// of truth for the life of the process.
type catalogRecorder interface {
	RecordPluginLoad(ctx context.Context, kind, backend, path string) error
	RemovePluginRecord(ctx context.Context, kind string) error
}

// Info describes one loaded plugin for the /plugins listing endpoint.
type Info struct {
	Kind       string   `json:"kind"`
	Backend    string   `json:"backend"`
	Original   string   `json:"original_kind"`
	Path       string   `json:"path"`
	Categories []string `json:"categories"`
}

type loadedPlugin struct {
	kind     string // namespaced, as registered with the registry
	original string
	backend  Backend
	path     string
	wasm     *wasmrt.LoadedPlugin
	native   *nativerpc.Library
	nativeMeta nativerpc.Metadata
	categories []string
}

// Manager is the process-wide plugin host: it owns every loaded plugin
// library/module, registers their node kinds into reg, and mediates loading,
// uploading, and unloading.
type Manager struct {
	mu       sync.Mutex
	reg      *registry.Registry
	sessions sessionLister
	catalog  catalogRecorder
	runtime  *wasmrt.Runtime
	cache    *ResourceCache
	log      *slog.Logger

	wasmDir   string
	nativeDir string

	plugins map[string]*loadedPlugin // keyed by namespaced kind
}

// Config bounds where plugins live on disk and how large the shared
// resource cache may grow.
type Config struct {
	WasmDir           string
	NativeDir         string
	ResourceCacheSize int // max distinct cached resources; <=0 disables eviction
}

func NewManager(cfg Config, reg *registry.Registry, sessions sessionLister, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		reg:       reg,
		sessions:  sessions,
		runtime:   wasmrt.New(),
		cache:     NewResourceCache(cfg.ResourceCacheSize, log.With("component", "plugin_resource_cache")),
		log:       log,
		wasmDir:   cfg.WasmDir,
		nativeDir: cfg.NativeDir,
		plugins:   make(map[string]*loadedPlugin),
	}
}

// WithCatalog attaches an optional metadata store the host keeps in sync
// with every load/unload. ListPlugins, and so the /plugins listing, does
// not read it. Safe to call once, before LoadExisting.
func (m *Manager) WithCatalog(catalog catalogRecorder) *Manager {
	m.catalog = catalog
	return m
}

// LoadExisting scans both plugin directories and loads every file found,
// best-effort: one plugin failing to load is logged and skipped rather than
// aborting the whole scan, matching plugins.rs's startup behavior.
func (m *Manager) LoadExisting() {
	m.loadDirBestEffort(m.wasmDir, BackendWasm)
	m.loadDirBestEffort(m.nativeDir, BackendNative)
}

func (m *Manager) loadDirBestEffort(dir string, backend Backend) {
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("plugin directory scan failed", "dir", dir, "error", err)
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		var loadErr error
		if backend == BackendWasm {
			loadErr = m.LoadWasmPlugin(path)
		} else {
			loadErr = m.LoadNativePlugin(path)
		}
		if loadErr != nil {
			m.log.Error("failed to load plugin", "path", path, "backend", backend, "error", loadErr)
		}
	}
}

// LoadWasmPlugin compiles and registers a WASM plugin module.
func (m *Manager) LoadWasmPlugin(path string) error {
	plugin, err := m.runtime.Load(path)
	if err != nil {
		return err
	}
	meta := plugin.Metadata()
	inputs, err := plugin.InputPins()
	if err != nil {
		return err
	}
	outputs, err := plugin.OutputPins()
	if err != nil {
		return err
	}

	entry := &loadedPlugin{
		kind:       wasmNamespacePrefix + meta.Kind,
		original:   meta.Kind,
		backend:    BackendWasm,
		path:       path,
		wasm:       plugin,
		categories: meta.Categories,
	}
	return m.register(entry, inputs, outputs, meta.ParamSchema, func(params json.RawMessage) (node.ProcessorNode, error) {
		return plugin.CreateNode(params, m.log.With("plugin", entry.kind))
	})
}

// LoadNativePlugin dlopens and registers a native plugin library.
func (m *Manager) LoadNativePlugin(path string) error {
	lib, err := nativerpc.Load(path)
	if err != nil {
		return err
	}
	meta, err := lib.Metadata()
	if err != nil {
		return err
	}

	entry := &loadedPlugin{
		kind:       nativeNamespacePrefix + meta.Kind,
		original:   meta.Kind,
		backend:    BackendNative,
		path:       path,
		native:     lib,
		nativeMeta: meta,
		categories: meta.Categories,
	}
	return m.register(entry, meta.Inputs, meta.Outputs, meta.ParamSchema, func(params json.RawMessage) (node.ProcessorNode, error) {
		return lib.CreateInstance(meta, params, m.log.With("plugin", entry.kind))
	})
}

// register installs entry into both the host's own bookkeeping and the
// process-wide registry, rejecting a kind collision either way — a plugin
// never silently shadows an already-registered kind, builtin or plugin.
func (m *Manager) register(entry *loadedPlugin, inputs []pin.InputPin, outputs []pin.OutputPin, paramSchema any, factory node.Factory) error {
	m.mu.Lock()
	if _, exists := m.plugins[entry.kind]; exists {
		m.mu.Unlock()
		return streamkiterr.Conflictf(entry.kind, "plugin kind already loaded")
	}
	m.mu.Unlock()

	if err := m.reg.Register(registry.KindInfo{
		Kind:        entry.kind,
		Factory:     factory,
		ParamSchema: paramSchema,
		Inputs:      inputs,
		Outputs:     outputs,
		Categories:  entry.categories,
		Dynamic:     false,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.plugins[entry.kind] = entry
	m.mu.Unlock()

	if m.catalog != nil {
		if err := m.catalog.RecordPluginLoad(context.Background(), entry.kind, entry.backend.String(), entry.path); err != nil {
			m.log.Warn("failed to record plugin catalog entry", "kind", entry.kind, "error", err)
		}
	}

	m.log.Info("plugin loaded", "kind", entry.kind, "backend", entry.backend, "path", entry.path)
	return nil
}

// UnloadPlugin removes a previously loaded plugin's kind from the registry
// and host bookkeeping. It refuses while any live session still declares a
// node of this kind — callers must remove or destroy every instance first.
func (m *Manager) UnloadPlugin(kind string) error {
	m.mu.Lock()
	entry, ok := m.plugins[kind]
	m.mu.Unlock()
	if !ok {
		return streamkiterr.NotFoundf(kind, "plugin not loaded")
	}

	if m.sessions != nil && m.sessions.KindInUse(kind) {
		return streamkiterr.Conflictf(kind, "plugin kind still in use by a live session")
	}

	if err := m.reg.Unregister(kind); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.plugins, kind)
	m.mu.Unlock()

	if m.catalog != nil {
		if err := m.catalog.RemovePluginRecord(context.Background(), kind); err != nil {
			m.log.Warn("failed to remove plugin catalog entry", "kind", kind, "error", err)
		}
	}

	m.log.Info("plugin unloaded", "kind", entry.kind, "backend", entry.backend)
	return nil
}

// ListPlugins returns a stable snapshot of every loaded plugin.
func (m *Manager) ListPlugins() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.plugins))
	for _, e := range m.plugins {
		out = append(out, Info{
			Kind:       e.kind,
			Backend:    e.backend.String(),
			Original:   e.original,
			Path:       e.path,
			Categories: e.categories,
		})
	}
	return out
}

// validatePluginUploadTarget sanitizes an upload-supplied filename: it must
// be non-empty, reasonably short, a single path component (no directory
// separator, no ".."), and carry an extension this host recognizes.
func validatePluginUploadTarget(filename string) (Backend, error) {
	if filename == "" {
		return 0, streamkiterr.Validationf("", "filename must not be empty")
	}
	if len(filename) > 255 {
		return 0, streamkiterr.Validationf(filename, "filename exceeds 255 bytes")
	}
	if filename != filepath.Base(filename) {
		return 0, streamkiterr.Validationf(filename, "filename must be a single path component")
	}
	if filename == "." || filename == ".." || strings.Contains(filename, "..") {
		return 0, streamkiterr.Validationf(filename, "filename must not contain a parent-directory reference")
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wasm":
		return BackendWasm, nil
	case ".so", ".dylib", ".dll":
		return BackendNative, nil
	default:
		return 0, streamkiterr.Validationf(filename, "unrecognized plugin extension")
	}
}

// Upload atomically writes a newly-submitted plugin binary into the
// appropriate directory and loads it. The write goes through a temp file
// plus rename so a crash mid-write never leaves a partial binary where the
// startup scanner (or a concurrent Upload) could find it; on a cross-device
// rename failure it falls back to copy-then-unlink. A load failure removes
// the file that was just placed, leaving no orphaned binary behind.
func (m *Manager) Upload(filename string, data []byte) (Info, error) {
	backend, err := validatePluginUploadTarget(filename)
	if err != nil {
		return Info{}, err
	}

	dir := m.wasmDir
	if backend == BackendNative {
		dir = m.nativeDir
	}
	if dir == "" {
		return Info{}, streamkiterr.Configurationf(filename, "no directory configured for %s plugins", backend)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Info{}, streamkiterr.Resourcef(filename, "create plugin directory: %v", err)
	}

	finalPath := filepath.Join(dir, filename)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return Info{}, streamkiterr.Resourcef(filename, "create temp file: %v", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return Info{}, streamkiterr.Resourcef(filename, "write plugin bytes: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return Info{}, streamkiterr.Resourcef(filename, "finalize temp file: %v", err)
	}

	mode := os.FileMode(0o644)
	if backend == BackendNative {
		mode = 0o755
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return Info{}, streamkiterr.Resourcef(filename, "set plugin file mode: %v", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		if copyErr := copyAndRemove(tmpPath, finalPath, mode); copyErr != nil {
			os.Remove(tmpPath)
			return Info{}, streamkiterr.Resourcef(filename, "place plugin file: %v (rename: %v)", copyErr, err)
		}
	}

	var loadErr error
	if backend == BackendWasm {
		loadErr = m.LoadWasmPlugin(finalPath)
	} else {
		loadErr = m.LoadNativePlugin(finalPath)
	}
	if loadErr != nil {
		os.Remove(finalPath)
		return Info{}, loadErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.plugins {
		if e.path == finalPath {
			return Info{Kind: e.kind, Backend: e.backend.String(), Original: e.original, Path: e.path, Categories: e.categories}, nil
		}
	}
	return Info{}, fmt.Errorf("plugin loaded but not found in bookkeeping: %s", finalPath)
}

// copyAndRemove is the cross-device fallback for os.Rename: some upload
// directories (e.g. a tmpfs staging area alongside a bind-mounted plugin
// directory) can't be linked across, so the bytes are copied and the
// original removed instead.
func copyAndRemove(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return err
	}
	return os.Remove(src)
}
