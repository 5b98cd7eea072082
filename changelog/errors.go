package changelog

import "errors"

var (
	// ErrEmptyModel is returned by every query without a model
	ErrEmptyModel = errors.New("changelog: model is required")

	// ErrInvalidRecord is returned for records that storage cannot have produced
	ErrInvalidRecord = errors.New("changelog: invalid record")

	// ErrReadOnly is returned by Append when the storage cannot append
	ErrReadOnly = errors.New("changelog: storage is read-only")
)
