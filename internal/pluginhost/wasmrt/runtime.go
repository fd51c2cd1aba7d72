// Package wasmrt hosts WASM node plugins in a sandboxed wasmer-go runtime.
//
// A plugin module exports a small ABI over its linear memory:
//
//	streamkit_alloc(len u32) -> ptr u32
//	streamkit_metadata() -> packed (ptr u32, len u32)
//	streamkit_create(params_ptr u32, params_len u32) -> instance_id u32
//	streamkit_process(instance_id u32, pin_ptr, pin_len, pkt_ptr, pkt_len u32) -> packed (ptr u32, len u32)
//	streamkit_destroy(instance_id u32)
//
// Metadata and packets cross the boundary JSON-encoded; the module owns the
// bytes it returns until the next call into it, matching wasmer-go's
// single-threaded instance model.
package wasmrt

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// Metadata is the plugin-reported identity returned by streamkit_metadata.
type Metadata struct {
	Kind        string          `json:"kind"`
	ParamSchema json.RawMessage `json:"param_schema"`
	Categories  []string        `json:"categories"`
	Inputs      json.RawMessage `json:"inputs"`
	Outputs     json.RawMessage `json:"outputs"`
}

// Runtime compiles and instantiates WASM plugin modules. One Runtime is
// shared process-wide; each LoadedPlugin gets its own Store and Instance so
// plugin crashes cannot corrupt another plugin's linear memory.
type Runtime struct {
	engine *wasmer.Engine
}

func New() *Runtime {
	return &Runtime{engine: wasmer.NewEngine()}
}

// LoadedPlugin is one compiled and instantiated WASM module.
type LoadedPlugin struct {
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory

	alloc   func(...interface{}) (interface{}, error)
	meta    func(...interface{}) (interface{}, error)
	create  func(...interface{}) (interface{}, error)
	process func(...interface{}) (interface{}, error)
	destroy func(...interface{}) (interface{}, error)

	metadata Metadata
}

// Load compiles the module at path and instantiates it.
func (r *Runtime) Load(path string) (*LoadedPlugin, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "read wasm module: %v", err)
	}

	store := wasmer.NewStore(r.engine)
	module, err := wasmer.NewModule(store, bytes)
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "compile wasm module: %v", err)
	}

	wasiEnv, err := wasmer.NewWasiStateBuilder("streamkit-plugin").Finalize()
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "build wasi environment: %v", err)
	}
	importObject, err := wasiEnv.GenerateImportObject(store, module)
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "generate wasi imports: %v", err)
	}

	instance, err := wasmer.NewInstance(module, importObject)
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "instantiate wasm module: %v", err)
	}

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "module does not export linear memory: %v", err)
	}

	p := &LoadedPlugin{store: store, instance: instance, memory: memory}
	for name, dst := range map[string]*func(...interface{}) (interface{}, error){
		"streamkit_alloc":   &p.alloc,
		"streamkit_metadata": &p.meta,
		"streamkit_create":   &p.create,
		"streamkit_process":  &p.process,
		"streamkit_destroy":  &p.destroy,
	} {
		fn, err := instance.Exports.GetFunction(name)
		if err != nil {
			return nil, streamkiterr.Configurationf(path, "module does not export %s: %v", name, err)
		}
		*dst = fn
	}

	meta, err := p.readMetadata()
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "read plugin metadata: %v", err)
	}
	p.metadata = meta
	return p, nil
}

func (p *LoadedPlugin) Metadata() Metadata { return p.metadata }

func (p *LoadedPlugin) readMetadata() (Metadata, error) {
	raw, err := p.callReturningBytes(p.meta)
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode metadata json: %w", err)
	}
	return m, nil
}

// writeBytes allocates len(data) bytes inside the module's linear memory
// (via its exported allocator) and copies data into them, returning the
// pointer the module can dereference.
func (p *LoadedPlugin) writeBytes(data []byte) (uint32, error) {
	ret, err := p.alloc(uint32(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call streamkit_alloc: %w", err)
	}
	ptr, ok := ret.(int32)
	if !ok {
		return 0, fmt.Errorf("streamkit_alloc returned non-i32 value")
	}
	view := p.memory.Data()
	copy(view[uint32(ptr):], data)
	return uint32(ptr), nil
}

// readPacked copies out a region the module wrote: the low
// 32 bits of a packed i64 return value are the pointer, the high 32 bits
// the length.
func (p *LoadedPlugin) readPacked(packed int64) []byte {
	ptr := uint32(packed & 0xffffffff)
	length := uint32(packed >> 32)
	view := p.memory.Data()
	out := make([]byte, length)
	copy(out, view[ptr:ptr+length])
	return out
}

func (p *LoadedPlugin) callReturningBytes(fn func(...interface{}) (interface{}, error), args ...interface{}) ([]byte, error) {
	ret, err := fn(args...)
	if err != nil {
		return nil, err
	}
	packed, ok := ret.(int64)
	if !ok {
		return nil, fmt.Errorf("expected packed i64 (len<<32|ptr) return value")
	}
	return p.readPacked(packed), nil
}

// CreateInstance asks the module to construct a node instance from
// JSON-encoded params, returning the opaque instance id the module uses to
// key subsequent Process/Destroy calls.
func (p *LoadedPlugin) CreateInstance(params json.RawMessage) (uint32, error) {
	if len(params) == 0 {
		params = []byte("{}")
	}
	ptr, err := p.writeBytes(params)
	if err != nil {
		return 0, err
	}
	ret, err := p.create(int32(ptr), int32(len(params)))
	if err != nil {
		return 0, fmt.Errorf("call streamkit_create: %w", err)
	}
	id, ok := ret.(int32)
	if !ok || id < 0 {
		return 0, streamkiterr.Runtimef(p.metadata.Kind, "plugin refused to create an instance")
	}
	return uint32(id), nil
}

// Process hands one input packet (JSON-encoded) on pinName to instance id,
// returning the JSON-encoded list of (pin, packet) pairs the module emitted.
func (p *LoadedPlugin) Process(id uint32, pinName string, packetJSON []byte) ([]byte, error) {
	pinPtr, err := p.writeBytes([]byte(pinName))
	if err != nil {
		return nil, err
	}
	pktPtr, err := p.writeBytes(packetJSON)
	if err != nil {
		return nil, err
	}
	return p.callReturningBytes(p.process, int32(id), int32(pinPtr), int32(len(pinName)), int32(pktPtr), int32(len(packetJSON)))
}

// Destroy releases the module-side instance. Best-effort: modules that trap
// on a stale id are logged by the caller, not retried here.
func (p *LoadedPlugin) Destroy(id uint32) error {
	_, err := p.destroy(int32(id))
	return err
}
