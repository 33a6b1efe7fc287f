package scheduler

import "errors"

var (
	// ErrStorageUnavailable aborts initialization; scheduling stays disabled.
	ErrStorageUnavailable = errors.New("scheduler: storage unavailable")
	// ErrTaskBody wraps any failure of a task body. The task is marked failed.
	ErrTaskBody = errors.New("scheduler: task body failed")
	ErrNotFound = errors.New("scheduler: task not found")
	// ErrInvalidArgument rejects malformed values such as an unknown target type.
	ErrInvalidArgument = errors.New("scheduler: invalid argument")
)
