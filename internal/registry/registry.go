// Package registry implements the process-wide node-kind registry: factory,
// param schema, static pin set, and category tags per node kind (spec.md
// §4.1/§4.2), plus the bidirectional-kind exemption set the compiler
// consults for cycle detection.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/streamkit-io/streamkit/internal/node"
	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// KindInfo describes one registered node kind.
type KindInfo struct {
	Kind        string
	Factory     node.Factory
	ParamSchema any // JSON-Schema-shaped value returned verbatim by /schema/nodes
	Inputs      []pin.InputPin
	Outputs     []pin.OutputPin
	Categories  []string
	// Dynamic marks kinds whose pins are only known after Initialize runs
	// (plugins and probing transport nodes like the MoQ subscriber); the
	// engine always calls Initialize regardless of this flag, but Dynamic
	// is surfaced to clients so catalog browsing can show "pins vary".
	Dynamic bool
}

// Registry is the process-wide node kind catalog. Per spec.md §5, the write
// lock is held only during register/unregister; lookups take the read lock.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]KindInfo
}

// BidirectionalKinds is the process-wide set of node kinds whose in/out data
// paths are independent, so dependency cycles through them are admissible.
// Plugin kinds are never added to it — plugins declare ordinary
// unidirectional pins.
var BidirectionalKinds = map[string]bool{
	"transport::moq::peer": true,
}

func New() *Registry {
	return &Registry{kinds: make(map[string]KindInfo)}
}

// Register adds a new kind. It fails if the kind already exists — a plugin
// kind registered into the registry shadows nothing.
func (r *Registry) Register(info KindInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[info.Kind]; exists {
		return streamkiterr.Conflictf(info.Kind, "node kind already registered")
	}
	r.kinds[info.Kind] = info
	return nil
}

// Unregister removes a kind, e.g. when a plugin is unloaded. Callers must
// have already verified no running node instance uses this kind.
func (r *Registry) Unregister(kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; !exists {
		return streamkiterr.NotFoundf(kind, "node kind not registered")
	}
	delete(r.kinds, kind)
	return nil
}

// Lookup returns the registered info for a kind.
func (r *Registry) Lookup(kind string) (KindInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.kinds[kind]
	if !ok {
		return KindInfo{}, streamkiterr.NotFoundf(kind, "unknown node kind")
	}
	return info, nil
}

// Has reports whether kind is registered, without the NotFound allocation.
func (r *Registry) Has(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// List returns a stable, name-sorted snapshot of every registered kind, used
// by the /schema/nodes catalog endpoint.
func (r *Registry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KindInfo, 0, len(r.kinds))
	for _, info := range r.kinds {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry{%d kinds}", len(r.List()))
}
