// Package coreerr defines the coordination error taxonomy and
// classifies coordination-store failures into it using
// github.com/containerd/errdefs.
package coreerr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// DuplicateProcessorError signals an ephemeral registration path
// already existed — fatal for the registering caller.
type DuplicateProcessorError struct {
	Path string
}

func (e *DuplicateProcessorError) Error() string {
	return fmt.Sprintf("processor already registered at %q", e.Path)
}

// ConnectionError signals the coordination session was lost — fatal for
// the caller.
type ConnectionError struct {
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("coordination session lost: %v", e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// UnexpectedStoreError signals an unexpected error from a store
// operation — e.g. a missing node where an invariant demands presence.
type UnexpectedStoreError struct {
	Op    string
	Cause error
}

func (e *UnexpectedStoreError) Error() string {
	return fmt.Sprintf("unexpected store error during %s: %v", e.Op, e.Cause)
}

func (e *UnexpectedStoreError) Unwrap() error { return e.Cause }

// BadStartupError signals bolts loaded from divergent clocks — fatal for
// the Negotiator, double-thrown into the parent.
type BadStartupError struct {
	Clocks map[string]string
}

func (e *BadStartupError) Error() string {
	return fmt.Sprintf("bolts loaded at divergent clocks: %v", e.Clocks)
}

// BadClusterStateError signals bolts saved at divergent clocks — fatal
// for the Negotiator.
type BadClusterStateError struct {
	Clocks map[string]string
}

func (e *BadClusterStateError) Error() string {
	return fmt.Sprintf("bolts saved at divergent clocks: %v", e.Clocks)
}

// Classify maps a raw error from the coordination store client into the
// taxonomy above: typed sentinels pass through, then the underlying
// transport error is classified via errdefs.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var dup *DuplicateProcessorError
	if errors.As(err, &dup) {
		return err
	}
	switch {
	case errdefs.IsAlreadyExists(err):
		return &DuplicateProcessorError{Path: op}
	case errdefs.IsUnavailable(err) || errdefs.IsCanceled(err) || errdefs.IsDeadlineExceeded(err):
		return &ConnectionError{Cause: err}
	case errdefs.IsNotFound(err):
		return &UnexpectedStoreError{Op: op, Cause: err}
	default:
		return &UnexpectedStoreError{Op: op, Cause: err}
	}
}

// IsFatal reports whether err terminates the owning processor. The
// coordination layer has no local recovery; restart is external.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var dup *DuplicateProcessorError
	var conn *ConnectionError
	var store *UnexpectedStoreError
	var startup *BadStartupError
	var cluster *BadClusterStateError
	return errors.As(err, &dup) || errors.As(err, &conn) || errors.As(err, &store) ||
		errors.As(err, &startup) || errors.As(err, &cluster)
}
