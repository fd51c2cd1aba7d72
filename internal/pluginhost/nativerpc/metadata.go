package nativerpc

import (
	"encoding/json"
	"unsafe"

	"github.com/streamkit-io/streamkit/internal/pin"
	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// Metadata is the plugin-reported identity returned by metadata_json.
type Metadata struct {
	Kind        string          `json:"kind"`
	ParamSchema json.RawMessage `json:"param_schema"`
	Categories  []string        `json:"categories"`
	Inputs      []pin.InputPin  `json:"inputs"`
	Outputs     []pin.OutputPin `json:"outputs"`
}

// metadataBufSize bounds how much JSON a plugin's metadata may occupy; a
// plugin reporting more than this is rejected rather than grown into, since
// metadata is asked for exactly once at load time.
const metadataBufSize = 64 * 1024

// Metadata calls into the plugin to fetch and decode its metadata.
func (l *Library) Metadata() (Metadata, error) {
	buf := make([]byte, metadataBufSize)
	n := l.api.metadataJSON(bufAddr(buf), uintptr(len(buf)))
	if n < 0 {
		return Metadata{}, streamkiterr.Configurationf(l.path, "plugin metadata exceeds %d bytes", metadataBufSize)
	}
	var m Metadata
	if err := json.Unmarshal(buf[:n], &m); err != nil {
		return Metadata{}, streamkiterr.Configurationf(l.path, "decode plugin metadata json: %v", err)
	}
	return m, nil
}

// bufAddr returns the address of a byte slice's backing array as a uintptr
// suitable for passing across the C ABI boundary. Callers must keep buf
// alive (and not let the GC move/reclaim it) for the duration of the call —
// true for all uses here since buf is referenced on the Go side for the
// entire synchronous FFI call.
func bufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
