package registry

import (
	"encoding/json"
	"testing"

	"github.com/streamkit-io/streamkit/internal/node"
)

func dummyFactory(_ json.RawMessage) (node.ProcessorNode, error) { return nil, nil }

func TestRegisterConflict(t *testing.T) {
	r := New()
	if err := r.Register(KindInfo{Kind: "audio::gain", Factory: dummyFactory}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(KindInfo{Kind: "audio::gain", Factory: dummyFactory}); err == nil {
		t.Fatal("expected conflict on duplicate kind registration")
	}
}

func TestUnregisterUnknown(t *testing.T) {
	r := New()
	if err := r.Unregister("does::not::exist"); err == nil {
		t.Fatal("expected not-found on unregistering an unknown kind")
	}
}

func TestListSorted(t *testing.T) {
	r := New()
	_ = r.Register(KindInfo{Kind: "zzz", Factory: dummyFactory})
	_ = r.Register(KindInfo{Kind: "aaa", Factory: dummyFactory})
	list := r.List()
	if len(list) != 2 || list[0].Kind != "aaa" || list[1].Kind != "zzz" {
		t.Fatalf("expected sorted kinds, got %v", list)
	}
}
