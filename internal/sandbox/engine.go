// Package sandbox executes plugin backends inside an isolated WASM runtime.
// Guests get no ambient system access; the only way out is the host function
// set wired in at instantiation, and every boundary crossing is a copied
// byte buffer.
package sandbox

import (
	"context"
	"errors"
)

// HostAPI dispatches a named host function with a JSON payload and returns
// the JSON response envelope. Implementations never return a Go error:
// failures are encoded in the envelope so a guest sees an error value, not
// a trap.
type HostAPI interface {
	Invoke(ctx context.Context, fn string, payload []byte) []byte
}

// Engine compiles WASM binaries. Implementations wrap a specific runtime;
// the rest of the package only sees these interfaces, so host-side logic is
// testable without compiling guest code.
type Engine interface {
	Compile(ctx context.Context, wasm []byte) (CompiledModule, error)
	Close(ctx context.Context) error
}

// CompiledModule is a compiled guest ready to instantiate. Each
// instantiation gets its own linear memory and its own HostAPI binding.
type CompiledModule interface {
	Instantiate(ctx context.Context, api HostAPI) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is a running guest. Call passes the payload into guest memory,
// runs the named export and copies the result back out. Callers serialize
// access; an Instance is not safe for concurrent Call.
type Instance interface {
	Call(ctx context.Context, export string, payload []byte) ([]byte, error)
	Close(ctx context.Context) error
}

// ErrResourceExhausted marks a failure caused by the guest hitting its
// memory ceiling. Engine implementations wrap it so the host can classify
// the fault without knowing runtime-specific trap text.
var ErrResourceExhausted = errors.New("sandbox resource limit exceeded")
