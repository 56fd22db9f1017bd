// Package errors defines the typed error taxonomy for the plugin runtime.
//
// Every boundary call in the runtime returns one of these categories so the
// surrounding application can present failures without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ManifestError reports a malformed or invalid plugin manifest. It is fatal
// to that plugin's load only; sibling plugins are unaffected.
type ManifestError struct {
	Plugin  string
	Field   string
	Message string
	Err     error
}

// NewManifestError constructs a ManifestError.
func NewManifestError(plugin, field, message string, err error) error {
	return &ManifestError{Plugin: plugin, Field: field, Message: message, Err: err}
}

func (e *ManifestError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("manifest error [%s]: %s: %s", e.Plugin, e.Field, e.Message)
	}
	return fmt.Sprintf("manifest error [%s]: %s", e.Plugin, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ManifestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CapabilityError reports a policy violation: a plugin attempting an
// operation its grant does not cover, or a malformed grant operation. It is
// returned to the plugin as an ordinary error value, never a trap.
type CapabilityError struct {
	Plugin     string
	Capability string
	Duplicate  bool
}

// NewCapabilityDenied constructs a CapabilityError for a denied operation.
func NewCapabilityDenied(plugin, capability string) error {
	return &CapabilityError{Plugin: plugin, Capability: capability}
}

// NewDuplicateGrant constructs a CapabilityError for a repeated grant
// without an intervening revoke.
func NewDuplicateGrant(plugin string) error {
	return &CapabilityError{Plugin: plugin, Duplicate: true}
}

func (e *CapabilityError) Error() string {
	if e == nil {
		return ""
	}
	if e.Duplicate {
		return fmt.Sprintf("capability error [%s]: duplicate grant", e.Plugin)
	}
	return fmt.Sprintf("capability denied [%s]: %s", e.Plugin, e.Capability)
}

// SandboxReason classifies sandbox-level failures.
type SandboxReason string

const (
	// ReasonTrapped marks undefined behaviour or an illegal memory access
	// inside the guest. The instance is discarded.
	ReasonTrapped SandboxReason = "trapped"
	// ReasonTimeout marks an invocation that exceeded its wall-clock budget.
	// The instance is discarded; the caller may retry.
	ReasonTimeout SandboxReason = "timeout"
	// ReasonResourceExceeded marks a linear-memory ceiling violation.
	ReasonResourceExceeded SandboxReason = "resource_exceeded"
	// ReasonCancelled marks an invocation aborted by external cancellation.
	ReasonCancelled SandboxReason = "cancelled"
	// ReasonInvalid marks a module that failed instantiation or is missing
	// a required export.
	ReasonInvalid SandboxReason = "invalid"
)

// SandboxError reports a fault caught at the sandbox boundary. It never
// propagates as a host-level panic.
type SandboxError struct {
	Plugin string
	Export string
	Reason SandboxReason
	Err    error
}

// NewSandboxError constructs a SandboxError.
func NewSandboxError(plugin, export string, reason SandboxReason, err error) error {
	return &SandboxError{Plugin: plugin, Export: export, Reason: reason, Err: err}
}

func (e *SandboxError) Error() string {
	if e == nil {
		return ""
	}
	if e.Export != "" {
		return fmt.Sprintf("sandbox error [%s] %s: %s: %v", e.Plugin, e.Export, e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox error [%s]: %s: %v", e.Plugin, e.Reason, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SandboxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// BridgeReason classifies connection-level bridge failures. A non-2xx
// response is not a bridge failure.
type BridgeReason string

const (
	// ReasonConnection marks DNS, dial, TLS, or mid-transfer failures.
	ReasonConnection BridgeReason = "connection"
	// ReasonResponseTooLarge marks a response body over the configured cap.
	// The body is never silently truncated.
	ReasonResponseTooLarge BridgeReason = "response_too_large"
	// ReasonBadRequest marks a request the bridge refuses before any I/O,
	// such as an unsupported method or an unparseable URL.
	ReasonBadRequest BridgeReason = "bad_request"
)

// BridgeError reports a connection-level network failure in the HTTP bridge.
type BridgeError struct {
	Plugin string
	URL    string
	Reason BridgeReason
	Err    error
}

// NewBridgeError constructs a BridgeError.
func NewBridgeError(plugin, url string, reason BridgeReason, err error) error {
	return &BridgeError{Plugin: plugin, URL: url, Reason: reason, Err: err}
}

func (e *BridgeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("bridge error [%s] %s: %s: %v", e.Plugin, e.URL, e.Reason, e.Err)
}

// Unwrap exposes the underlying error.
func (e *BridgeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NotFoundError reports a record that does not exist or is not visible to
// the caller. It is recoverable and is not logged as an anomaly.
type NotFoundError struct {
	ID string
}

// NewNotFound constructs a NotFoundError.
func NewNotFound(id string) error {
	return &NotFoundError{ID: id}
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("record not found: %s", e.ID)
}

// IsCapabilityDenied reports whether err is a denied-capability error.
func IsCapabilityDenied(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce) && !ce.Duplicate
}

// IsDuplicateGrant reports whether err is a duplicate-grant error.
func IsDuplicateGrant(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce) && ce.Duplicate
}

// IsNotFound reports whether err is a record NotFound error.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// SandboxReasonOf returns the sandbox failure reason, if err is a
// SandboxError.
func SandboxReasonOf(err error) (SandboxReason, bool) {
	var se *SandboxError
	if errors.As(err, &se) {
		return se.Reason, true
	}
	return "", false
}

// IsTimeout reports whether err is a sandbox invocation timeout.
func IsTimeout(err error) bool {
	reason, ok := SandboxReasonOf(err)
	return ok && reason == ReasonTimeout
}

// IsResponseTooLarge reports whether err is an oversized-response bridge
// failure.
func IsResponseTooLarge(err error) bool {
	var be *BridgeError
	return errors.As(err, &be) && be.Reason == ReasonResponseTooLarge
}
