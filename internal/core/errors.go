package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownHandler        = errors.New("unknown handler")
	ErrInvalidCronExpression = errors.New("invalid cron expression")
	ErrInvalidSchedule       = errors.New("invalid schedule")
	ErrTaskNotFound          = errors.New("task not found")
	ErrTaskRunning           = errors.New("task is already running")
	ErrTaskNotCancellable    = errors.New("task cannot be cancelled")
	ErrTaskCancelled         = errors.New("task is cancelled")
)

// HandlerExecutionError wraps a failure returned (or a panic raised) by a task handler.
type HandlerExecutionError struct {
	TaskID  string
	Handler string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %q failed for task %s: %v", e.Handler, e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error {
	return e.Err
}
