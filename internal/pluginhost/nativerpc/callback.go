package nativerpc

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

// outputItem is one (pin, packet-json) pair a plugin emitted during a single
// process_packet/flush call.
type outputItem struct {
	pin        string
	packetJSON []byte
}

// callbackContext collects everything one synchronous FFI call produces.
// It is never touched concurrently: the plugin calls back into Go only
// while the call that registered the context is still on the stack.
type callbackContext struct {
	outputs []outputItem
	log     *slog.Logger
}

var (
	callbackRegistry   sync.Map // uint64 -> *callbackContext
	nextCallbackHandle atomic.Uint64
)

// registerCallback pins ctx behind an integer handle rather than passing a
// Go pointer across the FFI boundary as a raw address — purego calls back
// into Go from C, and an unpinned Go pointer stored as a bare uintptr is
// not safe against a moving GC.
func registerCallback(ctx *callbackContext) uintptr {
	h := nextCallbackHandle.Add(1)
	callbackRegistry.Store(h, ctx)
	return uintptr(h)
}

func unregisterCallback(h uintptr) {
	callbackRegistry.Delete(uint64(h))
}

func lookupCallback(h uintptr) *callbackContext {
	v, ok := callbackRegistry.Load(uint64(h))
	if !ok {
		return nil
	}
	ctx, _ := v.(*callbackContext)
	return ctx
}

// outputCallback is the single C-callable function pointer every plugin
// call that can emit packets is given. It copies the plugin's buffers
// (valid only for the duration of the call) into Go-owned memory.
func outputCallback(pinPtr, pinLen, dataPtr, dataLen, userData uintptr) uintptr {
	ctx := lookupCallback(userData)
	if ctx == nil {
		return 1
	}
	pinBytes := bytesFromC(pinPtr, pinLen)
	dataBytes := bytesFromC(dataPtr, dataLen)
	ctx.outputs = append(ctx.outputs, outputItem{
		pin:        string(pinBytes),
		packetJSON: append([]byte(nil), dataBytes...),
	})
	return 0
}

// logCallback routes plugin log lines through the host's own logger.
func logCallback(level, targetPtr, targetLen, msgPtr, msgLen, userData uintptr) uintptr {
	ctx := lookupCallback(userData)
	if ctx == nil || ctx.log == nil {
		return 0
	}
	target := string(bytesFromC(targetPtr, targetLen))
	msg := string(bytesFromC(msgPtr, msgLen))
	switch int32(level) {
	case 0:
		ctx.log.Debug(msg, "plugin_target", target)
	case 1:
		ctx.log.Info(msg, "plugin_target", target)
	case 2:
		ctx.log.Warn(msg, "plugin_target", target)
	default:
		ctx.log.Error(msg, "plugin_target", target)
	}
	return 0
}

// bytesFromC views a (ptr, len) pair owned by the plugin as a Go byte
// slice. The slice must not be retained past the current call.
func bytesFromC(ptr, length uintptr) []byte {
	if ptr == 0 || length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), int(length))
}

var (
	outputCallbackPtr uintptr
	logCallbackPtr    uintptr
)

func init() {
	outputCallbackPtr = purego.NewCallback(outputCallback)
	logCallbackPtr = purego.NewCallback(logCallback)
}
