package transfer

import "fmt"

// NetworkError represents a failure talking to the remote catalog: timeouts,
// unreachable hosts, non-2xx responses and I/O errors while reading the body.
// It is always worth retrying.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "download", "stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ConfigurationError means the environment cannot serve any download, such as
// no active remote server. Retrying will not help.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return "Configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// MalformedJobError is returned when the job input is missing a required field.
type MalformedJobError struct {
	Field string
}

func (e *MalformedJobError) Error() string {
	return fmt.Sprintf("malformed job: missing %s", e.Field)
}

// UnclassifiedError wraps any failure that does not match a known category.
type UnclassifiedError struct {
	Err error
}

func (e *UnclassifiedError) Error() string {
	return fmt.Sprintf("unclassified error: %v", e.Err)
}

func (e *UnclassifiedError) Unwrap() error {
	return e.Err
}
