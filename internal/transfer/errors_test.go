package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "download",
				StatusCode: 503,
				APIMessage: "service unavailable",
			},
			wantFormat: "network error during download (HTTP 503): service unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "stream",
				StatusCode: 0,
				APIMessage: "connection timeout",
			},
			wantFormat: "network error during stream: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

// TestConfigurationError_Error verifies the persisted prefix
func TestConfigurationError_Error(t *testing.T) {
	err := &ConfigurationError{Reason: "no active server configured"}

	expected := "Configuration error: no active server configured"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestMalformedJobError_Error verifies error message formatting
func TestMalformedJobError_Error(t *testing.T) {
	err := &MalformedJobError{Field: "media_id"}

	expected := "malformed job: missing media_id"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrors_Unwrap verifies error chain traversal
func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
	}{
		{name: "NetworkError", err: &NetworkError{Operation: "download", StatusCode: 500, APIMessage: "boom", Err: cause}},
		{name: "ConfigurationError", err: &ConfigurationError{Reason: "missing server", Err: cause}},
		{name: "UnclassifiedError", err: &UnclassifiedError{Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestNetworkError_As verifies programmatic error type detection
func TestNetworkError_As(t *testing.T) {
	originalErr := &NetworkError{
		Operation:  "download",
		StatusCode: 503,
		APIMessage: "service unavailable",
	}

	wrapped := fmt.Errorf("context: %w", originalErr)

	var target *NetworkError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract NetworkError from wrapped chain")
	}

	if target.StatusCode != 503 {
		t.Errorf("StatusCode = %d, want %d", target.StatusCode, 503)
	}
}

// TestErrorTypes_Nil verifies nil error handling
func TestErrorTypes_Nil(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "NetworkError with nil Err", err: &NetworkError{Operation: "download", StatusCode: 500, APIMessage: "error"}},
		{name: "ConfigurationError with nil Err", err: &ConfigurationError{Reason: "x"}},
		{name: "UnclassifiedError with nil Err", err: &UnclassifiedError{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != nil {
				t.Errorf("Unwrap() = %v, want nil", unwrapped)
			}

			if errMsg := tt.err.Error(); errMsg == "" {
				t.Error("Error() should return non-empty string even when Err is nil")
			}
		})
	}
}
