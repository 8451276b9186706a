package tasks

import "errors"

// Error taxonomy surfaced to callers of lifecycle operations. TaskExecutionError
// and Cancelled/Interrupted from the design are not caller-facing Go errors:
// the former is captured as a string on the record's Error field, the latter
// two are statuses (see status.go).
var (
	ErrUnknownTask    = errors.New("tasks: unknown task")
	ErrStillActive    = errors.New("tasks: task is still active")
	ErrNotRestartable = errors.New("tasks: task is not in a restartable state")
	ErrTimeout        = errors.New("tasks: wait timed out")
)
