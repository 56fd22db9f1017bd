package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifestErrorFormatting(t *testing.T) {
	t.Parallel()

	underlying := fmt.Errorf("unexpected end of JSON input")
	err := NewManifestError("gitlab-adapter", "backend.entry", "entry is required", underlying)
	require.EqualError(t, err, "manifest error [gitlab-adapter]: backend.entry: entry is required")
	require.ErrorIs(t, err, underlying)

	err = NewManifestError("gitlab-adapter", "", "malformed manifest", nil)
	require.EqualError(t, err, "manifest error [gitlab-adapter]: malformed manifest")
}

func TestCapabilityErrorClassification(t *testing.T) {
	t.Parallel()

	denied := NewCapabilityDenied("gitlab-adapter", "network:evil.test")
	require.True(t, IsCapabilityDenied(denied))
	require.False(t, IsDuplicateGrant(denied))
	require.Contains(t, denied.Error(), "capability denied")

	dup := NewDuplicateGrant("gitlab-adapter")
	require.True(t, IsDuplicateGrant(dup))
	require.False(t, IsCapabilityDenied(dup))
}

func TestCapabilityDeniedThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("host call failed: %w", NewCapabilityDenied("p", "records:secret"))
	require.True(t, IsCapabilityDenied(wrapped))
}

func TestSandboxReasonOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		reason SandboxReason
		check  func(error) bool
	}{
		{"timeout", ReasonTimeout, IsTimeout},
		{"trapped", ReasonTrapped, func(err error) bool {
			r, ok := SandboxReasonOf(err)
			return ok && r == ReasonTrapped
		}},
		{"resource_exceeded", ReasonResourceExceeded, func(err error) bool {
			r, ok := SandboxReasonOf(err)
			return ok && r == ReasonResourceExceeded
		}},
		{"cancelled", ReasonCancelled, func(err error) bool {
			r, ok := SandboxReasonOf(err)
			return ok && r == ReasonCancelled
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := NewSandboxError("p", "fetch", tc.reason, context.DeadlineExceeded)
			require.True(t, tc.check(err))
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestSandboxReasonOfNonSandboxError(t *testing.T) {
	t.Parallel()

	_, ok := SandboxReasonOf(fmt.Errorf("plain"))
	require.False(t, ok)
	require.False(t, IsTimeout(fmt.Errorf("plain")))
}

func TestBridgeErrorTooLarge(t *testing.T) {
	t.Parallel()

	err := NewBridgeError("p", "https://api.example.com/x", ReasonResponseTooLarge, fmt.Errorf("body exceeds 4194304 bytes"))
	require.True(t, IsResponseTooLarge(err))

	conn := NewBridgeError("p", "https://api.example.com/x", ReasonConnection, fmt.Errorf("dial tcp: refused"))
	require.False(t, IsResponseTooLarge(conn))
}

func TestNotFound(t *testing.T) {
	t.Parallel()

	err := NewNotFound("records:abc")
	require.True(t, IsNotFound(err))
	require.EqualError(t, err, "record not found: records:abc")
	require.False(t, IsNotFound(fmt.Errorf("other")))
}
