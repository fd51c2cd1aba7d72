package pipeline

// NodeMap is an insertion-ordered string-keyed map of Node, mirroring the
// semantics of the user-facing YAML's ordered `nodes` mapping (Go's
// encoding/json and yaml.v3 both decode objects into unordered Go maps, so
// the compiler tracks order explicitly rather than relying on map
// iteration).
type NodeMap struct {
	keys   []string
	values map[string]Node
}

func NewNodeMap() *NodeMap {
	return &NodeMap{values: make(map[string]Node)}
}

// Set inserts or updates id. Updating an existing id does not move it.
func (m *NodeMap) Set(id string, n Node) {
	if _, exists := m.values[id]; !exists {
		m.keys = append(m.keys, id)
	}
	m.values[id] = n
}

func (m *NodeMap) Get(id string) (Node, bool) {
	n, ok := m.values[id]
	return n, ok
}

func (m *NodeMap) Has(id string) bool {
	_, ok := m.values[id]
	return ok
}

// Delete removes id, preserving the relative order of the rest.
func (m *NodeMap) Delete(id string) {
	if _, ok := m.values[id]; !ok {
		return
	}
	delete(m.values, id)
	for i, k := range m.keys {
		if k == id {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *NodeMap) Len() int { return len(m.keys) }

// Keys returns node ids in insertion order.
func (m *NodeMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Each iterates in insertion order.
func (m *NodeMap) Each(fn func(id string, n Node)) {
	for _, k := range m.keys {
		fn(k, m.values[k])
	}
}

// Clone returns an independent copy preserving order.
func (m *NodeMap) Clone() *NodeMap {
	cp := &NodeMap{
		keys:   append([]string(nil), m.keys...),
		values: make(map[string]Node, len(m.values)),
	}
	for k, v := range m.values {
		cp.values[k] = v
	}
	return cp
}
