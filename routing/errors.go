package routing

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is wrapped by every ParseError
	ErrMalformed = errors.New("routing: malformed address")

	// ErrInvalid is wrapped by every ValidationError
	ErrInvalid = errors.New("routing: invalid address")
)

// ParseError reports a routing string that does not follow service.model[.action]
type ParseError struct {
	Input  string // Raw input
	Reason string // What was wrong with it
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("routing: cannot parse %q: %s", e.Input, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrMalformed
}

// ValidationError reports structured fields that do not form an address
type ValidationError struct {
	Field  string // service, model or action
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("routing: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("routing: %s %q %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}
