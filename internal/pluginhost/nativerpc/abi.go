// Package nativerpc loads native (.so/.dylib/.dll) node plugins through a
// stable, dlopen-based C ABI using ebitengine/purego — no cgo toolchain
// required at build time.
//
// The original C-ABI contract returns one vtable from a single
// `streamkit_native_plugin_api()` entry point. purego can resolve individual
// exported symbols far more safely than it can walk an opaque C struct's
// field offsets across platforms, so this host instead requires the plugin
// to export each vtable member as its own named symbol — same lifecycle
// contract (create/process/update/flush/destroy, deferred destroy under
// in-flight calls), different discovery mechanism.
package nativerpc

import (
	"github.com/ebitengine/purego"

	"github.com/streamkit-io/streamkit/internal/streamkiterr"
)

// capi is the set of C functions a native plugin library must export.
// Every pointer/length pair is a raw byte buffer; the host and plugin agree
// on JSON encoding for metadata, params, and packets.
type capi struct {
	// version() -> uint32
	version func() uint32
	// metadata_json(buf_ptr, buf_len uintptr) -> int32 (bytes written, or -1 if buf too small)
	metadataJSON func(bufPtr, bufLen uintptr) int32
	// create_instance(params_ptr, params_len, log_cb, log_user_data) -> uintptr (0 = failure)
	createInstance func(paramsPtr, paramsLen, logCb, logUserData uintptr) uintptr
	// process_packet(handle, pin_ptr, pin_len, pkt_ptr, pkt_len, out_cb, out_user_data) -> int32 (0 = success)
	processPacket func(handle, pinPtr, pinLen, pktPtr, pktLen, outCb, outUserData uintptr) int32
	// update_params(handle, params_ptr, params_len) -> int32 (0 = success)
	updateParams func(handle, paramsPtr, paramsLen uintptr) int32
	// flush(handle, out_cb, out_user_data) -> int32 (0 = success)
	flush func(handle, outCb, outUserData uintptr) int32
	// destroy_instance(handle)
	destroyInstance func(handle uintptr)
	// last_error(buf_ptr, buf_len) -> int32 (bytes written, or -1 if none/too small)
	lastError func(bufPtr, bufLen uintptr) int32
}

// Library is one dlopen'd native plugin shared object.
type Library struct {
	handle uintptr
	path   string
	api    capi
}

// requiredSymbols lists every export the plugin must provide, in the order
// their capi fields are populated.
var requiredSymbols = []string{
	"streamkit_plugin_version",
	"streamkit_plugin_metadata_json",
	"streamkit_plugin_create_instance",
	"streamkit_plugin_process_packet",
	"streamkit_plugin_update_params",
	"streamkit_plugin_flush",
	"streamkit_plugin_destroy_instance",
	"streamkit_plugin_last_error",
}

// Load dlopens path and resolves the plugin ABI. The library is never
// dlclose'd: plugin callers keep the handle alive for the process lifetime,
// matching the original's "unload never actually dlcloses" behavior (the
// backing Arc<Library> is kept alive only to satisfy in-flight calls, not
// to support a real unload-from-memory).
func Load(path string) (*Library, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, streamkiterr.Configurationf(path, "dlopen failed: %v", err)
	}

	lib := &Library{handle: handle, path: path}
	syms := make(map[string]uintptr, len(requiredSymbols))
	for _, name := range requiredSymbols {
		sym, err := purego.Dlsym(handle, name)
		if err != nil {
			return nil, streamkiterr.Configurationf(path, "missing required export %q: %v", name, err)
		}
		syms[name] = sym
	}

	purego.RegisterFunc(&lib.api.version, syms["streamkit_plugin_version"])
	purego.RegisterFunc(&lib.api.metadataJSON, syms["streamkit_plugin_metadata_json"])
	purego.RegisterFunc(&lib.api.createInstance, syms["streamkit_plugin_create_instance"])
	purego.RegisterFunc(&lib.api.processPacket, syms["streamkit_plugin_process_packet"])
	purego.RegisterFunc(&lib.api.updateParams, syms["streamkit_plugin_update_params"])
	purego.RegisterFunc(&lib.api.flush, syms["streamkit_plugin_flush"])
	purego.RegisterFunc(&lib.api.destroyInstance, syms["streamkit_plugin_destroy_instance"])
	purego.RegisterFunc(&lib.api.lastError, syms["streamkit_plugin_last_error"])

	if v := lib.api.version(); v != supportedAPIVersion {
		return nil, streamkiterr.Configurationf(path, "unsupported plugin ABI version %d (host supports %d)", v, supportedAPIVersion)
	}
	return lib, nil
}

// supportedAPIVersion is the single ABI generation this host understands.
const supportedAPIVersion = 1

func (l *Library) lastErrorString() string {
	buf := make([]byte, 4096)
	n := l.api.lastError(bufAddr(buf), uintptr(len(buf)))
	if n <= 0 {
		return "unknown plugin error"
	}
	return string(buf[:n])
}
