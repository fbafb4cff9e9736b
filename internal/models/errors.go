package models

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a circuit breaker event is not
// allowed in the current state.
var ErrIllegalTransition = errors.New("illegal circuit breaker transition")

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// DependencyError wraps a failure of an external collaborator
// (discovery, data-plane publisher, status repository).
type DependencyError struct {
	Collaborator string
	Err          error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s dependency failed: %v", e.Collaborator, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
