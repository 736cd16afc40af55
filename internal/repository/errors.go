package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates the write was rejected because the row is in a state
// that forbids it, e.g. a deployment that already reached READY or ERROR.
var ErrConflict = errors.New("repository: conflicting state")
