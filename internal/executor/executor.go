package executor

import (
	"context"
	"errors"
)

// An executor is an abstraction that represents
// some parameterless invocation. Executors are run
// when a source file changes or a resync is due.

type Executor interface {

	// Execute will run the wrapped function
	// All errors are logged to the Program diagnostics
	//
	// Context is used for cancellation of the running Executors
	Execute(context.Context) error
}

// ExecutorFunc adapts a plain function to an Executor
type ExecutorFunc func(context.Context) error

func (f ExecutorFunc) Execute(ctx context.Context) error { return f(ctx) }

// ErrTimeoutExceeded is an err that indicates the configured timeout for the execution
// has been exceeded.
var ErrTimeoutExceeded = errors.New("Execution timeout exceeded")
