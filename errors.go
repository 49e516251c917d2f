package mcpwire

import "fmt"

// ConnectionError reports a transport or connection establishment failure.
// It is not retryable by default; the retry middleware can be configured
// to treat it as retryable.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("connection error (%s): %v", e.Address, e.Err)
	}
	return fmt.Sprintf("connection error: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation exceeded its deadline. It is
// deliberately distinct from ConnectionError so callers and retry policies
// can tell "slow" from "dead".
type TimeoutError struct {
	Op      string
	Timeout string
}

func (e *TimeoutError) Error() string {
	if e.Timeout != "" {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s timed out", e.Op)
}

// ServerError reports a JSON-RPC error object returned by the remote peer.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// ValidationError reports locally detected bad input, caught before a
// request is ever sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %q: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// AuthenticationError reports that a credential was rejected or a token
// refresh failed.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// ToolNotFoundError reports that a named tool is absent from the cached
// server listing.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// ResourceNotFoundError reports that a URI-addressed resource could not be
// retrieved.
type ResourceNotFoundError struct {
	URI string
	Err error
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("resource %q not found: %v", e.URI, e.Err)
}

func (e *ResourceNotFoundError) Unwrap() error { return e.Err }
