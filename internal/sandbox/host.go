package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modulaur/modulaur/internal/logger"
	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// State is the lifecycle state of a plugin's sandbox.
type State string

const (
	// StateLoaded means the module is compiled but not yet instantiated.
	StateLoaded State = "loaded"
	// StateReady means an instance exists and is idle.
	StateReady State = "ready"
	// StateCalling means an invocation is in flight.
	StateCalling State = "calling"
	// StateFailed means the last instance was discarded; the next Invoke
	// instantiates a fresh one.
	StateFailed State = "failed"
	// StateUnloaded means the host is closed for good.
	StateUnloaded State = "unloaded"
)

// DefaultInvokeTimeout bounds a single guest invocation. It must exceed the
// bridge request timeout so an outbound call can fail cleanly before the
// guest is force-terminated.
const DefaultInvokeTimeout = 20 * time.Second

// HostOptions configures a sandbox Host.
type HostOptions struct {
	InvokeTimeout time.Duration
	Logger        *logger.Logger
}

// Host owns one plugin's sandbox: a compiled module plus at most one live
// instance. Invocations are serialized; a discarded instance is replaced
// transparently on the next Invoke.
type Host struct {
	pluginID string
	module   CompiledModule
	api      HostAPI
	timeout  time.Duration
	log      *logger.Logger

	mu       sync.Mutex // serializes Invoke and instance swaps
	instance Instance

	stateMu sync.RWMutex
	state   State
}

// NewHost compiles wasm for pluginID and returns a Host in StateLoaded.
// Instantiation is lazy: the first Invoke creates the instance.
func NewHost(ctx context.Context, engine Engine, pluginID string, wasm []byte, api HostAPI, opts HostOptions) (*Host, error) {
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeTimeout
	}

	module, err := engine.Compile(ctx, wasm)
	if err != nil {
		return nil, runtimeerrors.NewSandboxError(pluginID, "", runtimeerrors.ReasonInvalid, err)
	}

	return &Host{
		pluginID: pluginID,
		module:   module,
		api:      api,
		timeout:  opts.InvokeTimeout,
		log:      opts.Logger.WithComponent("sandbox").WithPlugin(pluginID),
		state:    StateLoaded,
	}, nil
}

// State reports the current lifecycle state. Safe to call concurrently with
// an in-flight invocation.
func (h *Host) State() State {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.state
}

func (h *Host) setState(s State) {
	h.stateMu.Lock()
	h.state = s
	h.stateMu.Unlock()
}

// Invoke runs an exported guest function with the given payload and returns
// the guest's response bytes. Invocations against the same Host are
// serialized; memory effects of two calls never interleave.
//
// Failures are classified: a deadline hit is Timeout, external cancellation
// is Cancelled, a memory-ceiling violation is ResourceExceeded, anything
// else the guest did wrong is Trapped. All four discard the instance; the
// next Invoke starts from a fresh one.
func (h *Host) Invoke(ctx context.Context, export string, payload []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() == StateUnloaded {
		return nil, runtimeerrors.NewSandboxError(h.pluginID, export, runtimeerrors.ReasonInvalid,
			fmt.Errorf("sandbox is unloaded"))
	}

	if h.instance == nil {
		inst, err := h.module.Instantiate(ctx, h.api)
		if err != nil {
			h.setState(StateFailed)
			return nil, runtimeerrors.NewSandboxError(h.pluginID, export, runtimeerrors.ReasonInvalid, err)
		}
		h.instance = inst
		h.log.Debug("instantiated fresh sandbox instance")
	}

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.setState(StateCalling)
	start := time.Now()
	out, err := h.instance.Call(callCtx, export, payload)
	elapsed := time.Since(start)

	if err != nil {
		reason := classify(ctx, callCtx, err)
		h.discardLocked()
		h.log.WithFields(map[string]any{"export": export, "reason": string(reason)}).
			Warnf("invocation failed after %s", elapsed)
		return nil, runtimeerrors.NewSandboxError(h.pluginID, export, reason, err)
	}

	h.setState(StateReady)
	h.log.Debugf("%s completed in %s", export, elapsed)
	return out, nil
}

// discardLocked closes and drops the current instance. Caller holds h.mu.
func (h *Host) discardLocked() {
	if h.instance != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = h.instance.Close(closeCtx)
		cancel()
		h.instance = nil
	}
	h.setState(StateFailed)
}

// classify maps a guest call failure onto a stable sandbox reason.
func classify(parent, call context.Context, err error) runtimeerrors.SandboxReason {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return runtimeerrors.ReasonCancelled
	case errors.Is(err, context.Canceled):
		return runtimeerrors.ReasonCancelled
	case call.Err() != nil && errors.Is(call.Err(), context.DeadlineExceeded):
		return runtimeerrors.ReasonTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return runtimeerrors.ReasonTimeout
	case errors.Is(err, ErrResourceExhausted):
		return runtimeerrors.ReasonResourceExceeded
	default:
		return runtimeerrors.ReasonTrapped
	}
}

// Close tears down the instance and module. The host cannot be reused.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() == StateUnloaded {
		return nil
	}

	var errs []error
	if h.instance != nil {
		if err := h.instance.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		h.instance = nil
	}
	if err := h.module.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	h.setState(StateUnloaded)
	return errors.Join(errs...)
}
