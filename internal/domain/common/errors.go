package common

import "errors"

var (
	ErrNotFound        = errors.New("requested item not found")
	ErrConflict        = errors.New("item already exists or conflict")
	ErrUnauthenticated = errors.New("authentication required or invalid credentials")
	ErrForbidden       = errors.New("action forbidden")
	ErrBadRequest      = errors.New("bad request")

	// ErrInvalidRecord marks a record the store can never accept. Not retried.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrRuleSnapshotUnavailable aborts a batch before anything is written.
	ErrRuleSnapshotUnavailable = errors.New("rule snapshot unavailable")
	ErrBatchNotOpen            = errors.New("batch is not open")
)
