package runner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownWorkflow is returned when executing a workflow id with no
	// registered definition. No job is created.
	ErrUnknownWorkflow = errors.New("runner: unknown workflow")
	// ErrJobNotFound is returned for lookups of an id the runner does not own.
	ErrJobNotFound = errors.New("runner: job not found")
	// ErrTimeout marks a job that ran past its effective deadline. The
	// handler's eventual output is discarded.
	ErrTimeout = errors.New("runner: job deadline exceeded")
)

// MissingSecretsError is returned when the caller supplied a master key and
// one or more required secrets could not be resolved. Without a caller key the
// runner proceeds with whatever it has.
type MissingSecretsError struct {
	Providers []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("runner: missing secrets: %s", strings.Join(e.Providers, ", "))
}

// HandlerError wraps a failure raised by a workflow handler.
type HandlerError struct {
	Message string
	err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("runner: handler failed: %s", e.Message)
}

func (e *HandlerError) Unwrap() error { return e.err }
