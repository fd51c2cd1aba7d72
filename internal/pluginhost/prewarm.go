package pluginhost

import (
	"encoding/json"
)

// PrewarmEntry asks the host to construct and immediately discard one
// instance of kind at startup, so that whatever init-once resource it pulls
// into the shared ResourceCache (a decoded model, a compiled filter graph)
// is already warm by the time the first real session requests it.
type PrewarmEntry struct {
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	FallbackParams json.RawMessage `json:"fallback_params,omitempty"`
}

// Prewarm runs every entry in order, retrying with FallbackParams if the
// primary params are rejected. A kind that isn't loaded, or that fails both
// attempts, is logged and skipped — pre-warm is an optimization, never a
// startup gate.
func (m *Manager) Prewarm(entries []PrewarmEntry) {
	for _, entry := range entries {
		m.prewarmOne(entry)
	}
}

func (m *Manager) prewarmOne(entry PrewarmEntry) {
	m.mu.Lock()
	plugin, ok := m.plugins[entry.Kind]
	m.mu.Unlock()
	if !ok {
		m.log.Warn("pre-warm skipped: plugin kind not loaded", "kind", entry.Kind)
		return
	}

	if err := m.prewarmInstance(plugin, entry.Params); err != nil {
		if len(entry.FallbackParams) == 0 {
			m.log.Warn("pre-warm failed", "kind", entry.Kind, "error", err)
			return
		}
		m.log.Warn("pre-warm primary params rejected, retrying with fallback", "kind", entry.Kind, "error", err)
		if err := m.prewarmInstance(plugin, entry.FallbackParams); err != nil {
			m.log.Warn("pre-warm fallback also failed", "kind", entry.Kind, "error", err)
			return
		}
	}
	m.log.Info("plugin pre-warmed", "kind", entry.Kind)
}

func (m *Manager) prewarmInstance(plugin *loadedPlugin, params json.RawMessage) error {
	switch plugin.backend {
	case BackendWasm:
		id, err := plugin.wasm.CreateInstance(params)
		if err != nil {
			return err
		}
		return plugin.wasm.Destroy(id)
	case BackendNative:
		instance, err := plugin.native.CreateInstance(plugin.nativeMeta, params, m.log)
		if err != nil {
			return err
		}
		instance.Close()
		return nil
	default:
		return nil
	}
}
