package domain

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrAuthentication = errors.New("authentication failed")
	ErrUpstream       = errors.New("upstream failure")
	ErrPersistence    = errors.New("persistence failure")

	// ErrDuplicateOrder is returned by storage when a generated order number or
	// download token collides with an existing row. Callers retry with fresh ones.
	ErrDuplicateOrder = errors.New("duplicate order identifier")
)
