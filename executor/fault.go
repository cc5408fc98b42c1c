// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// HandlerFault is a failure that escaped handler code: a panic, or an
// error the dispatch layer has to report on the handler's behalf.
type HandlerFault struct {
	// Err is the error returned or panicked with. Nil when the panic
	// value is not an error.
	Err error

	// Panic is the recovered value, nil for returned errors.
	Panic any

	// Stack is the goroutine stack at the panic, nil for returned
	// errors.
	Stack []byte
}

func (f *HandlerFault) Error() string {
	switch {
	case f.Panic != nil && f.Err != nil:
		return "handler fault: panic: " + f.Err.Error()
	case f.Panic != nil:
		return fmt.Sprintf("handler fault: panic: %v", f.Panic)
	case f.Err != nil:
		return "handler fault: " + f.Err.Error()
	}
	return "handler fault"
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// AsFault returns err as a *HandlerFault, wrapping it if it is not one
// already. It returns nil for a nil err.
func AsFault(err error) *HandlerFault {
	if err == nil {
		return nil
	}
	var fault *HandlerFault
	if errors.As(err, &fault) {
		return fault
	}
	return &HandlerFault{Err: err}
}

// Protect runs fn and converts a panic into a *HandlerFault. Errors
// returned by fn pass through unchanged.
func Protect(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			fault := &HandlerFault{Panic: recovered, Stack: debug.Stack()}
			if panicErr, ok := recovered.(error); ok {
				fault.Err = panicErr
			}
			err = fault
		}
	}()
	return fn()
}
