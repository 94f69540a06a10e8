package types

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrNotFound            = errors.New("peer not found")
	ErrTimeout             = errors.New("timeout")
	ErrUnreachable         = errors.New("peer unreachable")
	ErrAlreadyStarted      = errors.New("already started")
	ErrNotStarted          = errors.New("not started")
	ErrStopped             = errors.New("stopped")
	ErrClosed              = errors.New("closed")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidPort         = errors.New("invalid port")
	ErrSelfConnection      = errors.New("refusing to connect to self")
)

// ConfigError reports malformed configuration or input. It is never retried.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// OpError represents a failed network operation
type OpError struct {
	Op   string // Operation that failed
	Addr string // Remote address, if any
	Err  error  // Underlying error
}

func (e *OpError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new operation error
func NewOpError(op, addr string, err error) error {
	return &OpError{
		Op:   op,
		Addr: addr,
		Err:  err,
	}
}

// IsRecoverable reports whether err is an ordinary connection outcome
// rather than a configuration fault.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var cfgErr *ConfigError
	return !errors.As(err, &cfgErr)
}
