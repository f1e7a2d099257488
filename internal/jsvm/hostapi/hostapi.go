// Package hostapi provides the JavaScript bindings of the tether sandbox.
// Scripts reach native functionality only through the ops registered on the
// execution's dispatcher; everything here is a thin shape over those ops.
package hostapi

import (
	"context"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"tether/internal/jsvm/eventloop"
)

// Config holds configuration for Host APIs.
type Config struct {
	// CloseTimeout bounds how long a WebSocket close waits for the peer.
	CloseTimeout time.Duration
	// Version is reported by Tether.version.
	Version string
	// ServeHostname and ServePort are used when Tether.serve omits them.
	ServeHostname string
	ServePort     int
}

// DefaultConfig returns default Host API configuration.
func DefaultConfig() Config {
	return Config{
		CloseTimeout:  5 * time.Second,
		Version:       "dev",
		ServeHostname: "0.0.0.0",
		ServePort:     8000,
	}
}

// Context holds the execution context for Host APIs.
type Context struct {
	Ctx         context.Context
	Loop        *eventloop.Loop
	Logger      zerolog.Logger
	ScriptName  string
	ExecutionID string
	Config      Config
}

// Globals lists the names Register defines on the global object.
var Globals = []string{
	"Tether", "console", "WebSocket", "WebSocketStream",
	"setTimeout", "clearTimeout", "setInterval", "clearInterval", "crypto",
}

// Register injects all Host APIs into the given goja.Runtime.
func Register(vm *goja.Runtime, hctx *Context) error {
	b, err := newBridge(vm, hctx)
	if err != nil {
		return err
	}
	tether := vm.NewObject()

	registerCore(b, tether)
	registerLog(b, tether)
	registerIO(b, tether)
	registerFS(b, tether)
	registerNet(b, tether)
	registerHTTP(b, tether)
	registerSQLite(b, tether)
	registerCompression(b, tether)
	registerCron(b, tether)
	registerTimers(b, tether)
	registerWebSocket(b)
	registerContext(b, tether)

	return vm.Set("Tether", tether)
}

// registerContext injects Tether.context with execution info.
func registerContext(b *bridge, tether *goja.Object) {
	ctxObj := b.vm.NewObject()
	_ = ctxObj.Set("script_name", b.hctx.ScriptName)
	_ = ctxObj.Set("execution_id", b.hctx.ExecutionID)
	_ = tether.Set("context", ctxObj)
}

// Unregister removes Host APIs from the VM.
func Unregister(vm *goja.Runtime) {
	global := vm.GlobalObject()
	for _, name := range Globals {
		_ = global.Delete(name)
	}
}
