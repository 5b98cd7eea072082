package messaging

import "errors"

var (
	// ErrUnknownSubscription is returned for ids that were never issued or are already gone
	ErrUnknownSubscription = errors.New("messaging: unknown subscription")

	// ErrTransportClosed is returned by operations on a closed transport
	ErrTransportClosed = errors.New("messaging: transport is closed")

	// ErrInvalidSubject is returned for empty or malformed subjects
	ErrInvalidSubject = errors.New("messaging: invalid subject")
)
