package contracts

import (
	"fmt"
)

// RemoteError is delivered in place of a successful reply when the responder's
// handler failed
type RemoteError struct {
	Route         string
	CorrelationID string
	Message       string
}

// NewRemoteError builds a RemoteError from a failed reply envelope
func NewRemoteError(env *Envelope) *RemoteError {
	return &RemoteError{
		Route:         env.Route,
		CorrelationID: env.CorrelationID,
		Message:       env.Error,
	}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error from %s: %s", e.Route, e.Message)
}
