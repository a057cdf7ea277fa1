package derive

import "errors"

var (
	// ErrAdmissionTimeout means the caller waited too long for a worker
	// pool slot. The condition is transient; callers may retry.
	ErrAdmissionTimeout = errors.New("timeout waiting for worker slot")

	// ErrUnknownTransform means no transform is registered for the
	// requested kind.
	ErrUnknownTransform = errors.New("no transform registered for kind")

	// ErrNoClass means a transform named a resource class the pool does
	// not know about.
	ErrNoClass = errors.New("unknown resource class")
)
