package sandbox

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	wzapi "github.com/tetratelabs/wazero/api"
)

const wasmPageSize = 64 * 1024

// WazeroConfig bounds guest resources.
type WazeroConfig struct {
	// MaxMemoryBytes caps guest linear memory. Rounded up to whole WASM
	// pages; zero means 64 MiB.
	MaxMemoryBytes uint64
}

// WazeroEngine implements Engine on the wazero runtime. Each instance gets
// a dedicated runtime so one plugin's memory ceiling and teardown never
// affect another; compilations are shared through a compilation cache.
type WazeroEngine struct {
	cache    wazero.CompilationCache
	maxPages uint32
}

// NewWazeroEngine creates an engine with the given limits.
func NewWazeroEngine(cfg WazeroConfig) *WazeroEngine {
	maxBytes := cfg.MaxMemoryBytes
	if maxBytes == 0 {
		maxBytes = 64 << 20
	}
	pages := uint32((maxBytes + wasmPageSize - 1) / wasmPageSize)
	return &WazeroEngine{
		cache:    wazero.NewCompilationCache(),
		maxPages: pages,
	}
}

func (e *WazeroEngine) runtimeConfig() wazero.RuntimeConfig {
	// WithCloseOnContextDone makes in-flight guest code abort when the
	// invocation context expires, which is how timeouts and cancellation
	// reach a busy guest.
	return wazero.NewRuntimeConfig().
		WithCompilationCache(e.cache).
		WithMemoryLimitPages(e.maxPages).
		WithCloseOnContextDone(true)
}

// Compile validates the binary against a scratch runtime. The shared cache
// keeps the later per-instance compile from paying the full cost again.
func (e *WazeroEngine) Compile(ctx context.Context, wasm []byte) (CompiledModule, error) {
	scratch := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	defer scratch.Close(ctx)

	compiled, err := scratch.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	compiled.Close(ctx)

	return &wazeroModule{engine: e, wasm: wasm}, nil
}

// Close releases the compilation cache.
func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

type wazeroModule struct {
	engine *WazeroEngine
	wasm   []byte
}

// Instantiate builds a fresh runtime, registers the host module bound to
// api, and instantiates the guest in it.
func (m *wazeroModule) Instantiate(ctx context.Context, api HostAPI) (Instance, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, m.engine.runtimeConfig())

	if err := registerHostModule(ctx, runtime, api); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("register host module: %w", err)
	}

	mod, err := runtime.Instantiate(ctx, m.wasm)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate module: %w", err)
	}

	inst := &wazeroInstance{runtime: runtime, module: mod}
	if err := inst.checkExports(); err != nil {
		runtime.Close(ctx)
		return nil, err
	}
	return inst, nil
}

func (m *wazeroModule) Close(context.Context) error { return nil }

// registerHostModule exports the network and storage host functions, and
// nothing else. Every function reads its payload from guest memory,
// dispatches through api, and writes the response envelope back through the
// guest's allocator.
func registerHostModule(ctx context.Context, runtime wazero.Runtime, api HostAPI) error {
	builder := runtime.NewHostModuleBuilder(HostModule)
	for _, fn := range []string{
		FnHTTPGet, FnHTTPRequest,
		FnRecordUpsert, FnRecordGetByType, FnRecordUpdate, FnRecordDelete,
		FnDataSet, FnDataGet, FnDataDelete, FnDataList,
	} {
		fn := fn
		builder = builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod wzapi.Module, ptr, length uint32) uint64 {
				payload, ok := mod.Memory().Read(ptr, length)
				if !ok {
					return 0
				}
				// Copy before dispatch: the guest may reuse the buffer.
				payload = append([]byte(nil), payload...)
				response := api.Invoke(ctx, fn, payload)
				packed, err := writeToGuest(ctx, mod, response)
				if err != nil {
					return 0
				}
				return packed
			}).
			Export(fn)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// writeToGuest copies data into memory reserved by the guest's own
// allocator and returns the packed (ptr, len).
func writeToGuest(ctx context.Context, mod wzapi.Module, data []byte) (uint64, error) {
	alloc := mod.ExportedFunction(guestAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export %q", guestAlloc)
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("guest alloc of %d bytes: %w", len(data), ErrResourceExhausted)
	}
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest memory write at %d out of range", ptr)
	}
	return packPtrLen(ptr, uint32(len(data))), nil
}

type wazeroInstance struct {
	runtime wazero.Runtime
	module  wzapi.Module
}

func (i *wazeroInstance) checkExports() error {
	if i.module.Memory() == nil {
		return fmt.Errorf("guest exports no memory")
	}
	for _, name := range []string{guestAlloc, guestFree} {
		if i.module.ExportedFunction(name) == nil {
			return fmt.Errorf("guest does not export %q", name)
		}
	}
	return nil
}

// Call copies payload into guest memory, runs export, and copies the packed
// response back out. Both buffers are released through the guest's free.
func (i *wazeroInstance) Call(ctx context.Context, export string, payload []byte) ([]byte, error) {
	fn := i.module.ExportedFunction(export)
	if fn == nil {
		return nil, fmt.Errorf("export %q not found", export)
	}

	inPacked, err := writeToGuest(ctx, i.module, payload)
	if err != nil {
		return nil, err
	}
	inPtr, inLen := unpackPtrLen(inPacked)
	defer i.free(ctx, inPtr, inLen)

	results, err := fn.Call(ctx, uint64(inPtr), uint64(inLen))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	outPtr, outLen := unpackPtrLen(results[0])
	if outPtr == 0 || outLen == 0 {
		return nil, nil
	}
	out, ok := i.module.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, fmt.Errorf("guest returned out-of-range buffer (%d, %d)", outPtr, outLen)
	}
	out = append([]byte(nil), out...)
	i.free(ctx, outPtr, outLen)
	return out, nil
}

func (i *wazeroInstance) free(ctx context.Context, ptr, length uint32) {
	if free := i.module.ExportedFunction(guestFree); free != nil {
		_, _ = free.Call(ctx, uint64(ptr), uint64(length))
	}
}

// Close tears down the instance's whole runtime, releasing its memory.
func (i *wazeroInstance) Close(ctx context.Context) error {
	return i.runtime.Close(ctx)
}
