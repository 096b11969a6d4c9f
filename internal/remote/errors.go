package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	ErrNotFound   = errors.New("remote: not found")
	ErrPermission = errors.New("remote: permission denied")
	ErrNetwork    = errors.New("remote: network error")
	ErrInvalidRow = errors.New("remote: invalid row")
	ErrClosed     = errors.New("remote: backend closed")
)

// NotFoundError is returned when an update or delete targets a row the
// remote store does not have.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type PermissionError struct {
	Kind   string
	ID     string
	Reason string
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied for %s %s", e.Kind, e.ID)
	}
	return fmt.Sprintf("permission denied for %s %s: %s", e.Kind, e.ID, e.Reason)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermission
}

// NetworkError wraps a transient transport failure. The operation is
// retried on the next push cycle.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// HTTPError is a non-retryable HTTP response from a REST remote.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsTransient reports errors worth retrying without user action.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
