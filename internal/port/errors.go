package port

import "errors"

var (
	// ErrNotFound is returned by stores when the addressed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned by stores on a uniqueness violation.
	ErrConflict = errors.New("store: conflict")
)
