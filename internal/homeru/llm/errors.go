package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ServiceError is returned for every failed completion call: transport
// failures, timeouts, non-2xx responses and undecodable bodies.
type ServiceError struct {
	// StatusCode is the HTTP status, or 0 when no response arrived.
	StatusCode int
	// Message is the upstream error message, if any.
	Message string
	Err     error
}

func (e *ServiceError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("llm: HTTP %d", e.StatusCode)
	case e.Err != nil:
		return "llm: " + e.Err.Error()
	default:
		return "llm: " + e.Message
	}
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Timeout reports whether the call failed because a deadline expired.
func (e *ServiceError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// RateLimited reports whether the upstream answered 429.
func (e *ServiceError) RateLimited() bool { return e.StatusCode == 429 }
