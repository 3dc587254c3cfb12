package utils

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func recovered(r any) *PanicError {
	stack := string(debug.Stack())
	slog.Error("recovered from panic", "panic", r, "stack", stack)
	return &PanicError{Value: r, StackTrace: stack}
}

// RecoverAsError converts a panic into an error stored in *errPtr.
//
//	func doWork() (err error) {
//	    defer RecoverAsError(&err)
//	    ...
//	}
func RecoverAsError(errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = recovered(r)
	}
}

// RecoverWithCallback converts a panic into an error passed to callback.
func RecoverWithCallback(callback func(error)) {
	if r := recover(); r != nil {
		err := recovered(r)
		if callback != nil {
			callback(err)
		}
	}
}
