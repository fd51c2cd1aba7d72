package pluginhost

import (
	"encoding/json"
	"testing"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/registry"
)

type stubSessionLister struct {
	inUse map[string]bool
}

func (s stubSessionLister) KindInUse(kind string) bool { return s.inUse[kind] }

func newTestManager(sessions sessionLister) *Manager {
	return NewManager(Config{}, registry.New(), sessions, nil)
}

func stubFactory(json.RawMessage) (node.ProcessorNode, error) { return nil, nil }

func TestValidatePluginUploadTargetAcceptsKnownExtensions(t *testing.T) {
	cases := map[string]Backend{
		"echo.wasm":   BackendWasm,
		"filter.so":   BackendNative,
		"filter.dylib": BackendNative,
		"filter.dll":  BackendNative,
	}
	for name, want := range cases {
		got, err := validatePluginUploadTarget(name)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: expected backend %v, got %v", name, want, got)
		}
	}
}

func TestValidatePluginUploadTargetRejectsTraversalAndBadExtensions(t *testing.T) {
	bad := []string{"", "../evil.wasm", "sub/dir.wasm", "..", "no-extension", "model.onnx"}
	for _, name := range bad {
		if _, err := validatePluginUploadTarget(name); err == nil {
			t.Fatalf("expected rejection for %q", name)
		}
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	m := newTestManager(stubSessionLister{})
	entry := &loadedPlugin{kind: "plugin::wasm::echo", original: "echo", backend: BackendWasm}

	if err := m.register(entry, nil, nil, nil, stubFactory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.register(entry, nil, nil, nil, stubFactory); err == nil {
		t.Fatal("expected duplicate kind to be rejected")
	}
}

func TestUnloadPluginRefusesWhileKindInUse(t *testing.T) {
	m := newTestManager(stubSessionLister{inUse: map[string]bool{"plugin::wasm::echo": true}})
	entry := &loadedPlugin{kind: "plugin::wasm::echo", original: "echo", backend: BackendWasm}
	if err := m.register(entry, nil, nil, nil, stubFactory); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.UnloadPlugin("plugin::wasm::echo"); err == nil {
		t.Fatal("expected unload to be refused while kind is in use")
	}
	if _, err := m.reg.Lookup("plugin::wasm::echo"); err != nil {
		t.Fatalf("expected kind to remain registered, lookup failed: %v", err)
	}
}

func TestUnloadPluginSucceedsOnceUnused(t *testing.T) {
	m := newTestManager(stubSessionLister{})
	entry := &loadedPlugin{kind: "plugin::native::gain", original: "gain", backend: BackendNative}
	if err := m.register(entry, nil, nil, nil, stubFactory); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := m.UnloadPlugin("plugin::native::gain"); err != nil {
		t.Fatalf("unexpected unload error: %v", err)
	}
	if m.reg.Has("plugin::native::gain") {
		t.Fatal("expected kind to be removed from registry")
	}
	if len(m.ListPlugins()) != 0 {
		t.Fatal("expected plugin bookkeeping to be cleared")
	}
}

func TestUnloadPluginUnknownKindIsNotFound(t *testing.T) {
	m := newTestManager(stubSessionLister{})
	if err := m.UnloadPlugin("plugin::wasm::nope"); err == nil {
		t.Fatal("expected not-found error for an unknown kind")
	}
}
