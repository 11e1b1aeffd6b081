package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/sobek"
)

var (
	// ErrRuntimeClosed is returned by operations attempted after [Runtime.Close].
	ErrRuntimeClosed = errors.New("jsruntime: runtime closed")

	// ErrInvalidSnapshot is returned by [New] when the startup snapshot cannot be decoded.
	ErrInvalidSnapshot = errors.New("jsruntime: invalid snapshot")

	// ErrModuleNotFound is returned when a module id or specifier is not registered.
	ErrModuleNotFound = errors.New("jsruntime: module not found")

	// ErrPendingModuleEvaluation is the deadlock error reported by [Runtime.Poll]
	// when the top-level module cannot make progress.
	ErrPendingModuleEvaluation = errors.New("Module evaluation is still pending but there are no pending ops or dynamic imports. This situation is often caused by unresolved promise.")

	// ErrPendingDynamicEvaluation is the deadlock error reported by
	// [Runtime.Poll] when dynamically imported modules cannot make progress.
	// Returned errors wrap it, listing the pending modules.
	ErrPendingDynamicEvaluation = errors.New("Dynamically imported module evaluation is still pending but there are no pending ops. This situation is often caused by unresolved promise.")
)

const terminatedMessage = "execution terminated"

type (
	// JsError is a script exception converted into a Go error.
	JsError struct {
		// Value is the thrown value, or nil if the error did not originate
		// from a live engine value (e.g. a syntax error).
		Value sobek.Value

		// Name is the error class name, e.g. "TypeError".
		Name string

		// Message is the message of the thrown error, without the name.
		Message string

		// Stack is the engine provided stack, if any.
		Stack string

		// InPromise is true when the exception was observed as a promise
		// rejection rather than a synchronous throw.
		InPromise bool
	}

	// OpError is a typed op failure, delivered to script as a rejection (or
	// throw) of the given class.
	OpError struct {
		Cause   error
		Class   string
		Message string
	}

	// PanicError wraps a value recovered from a panicking async op.
	PanicError struct {
		Value any
	}

	// ModuleError is a module graph failure (resolution, load, parse, link).
	ModuleError struct {
		Cause     error
		Specifier string
		Referrer  string
	}
)

// Error implements the error interface.
func (e *JsError) Error() string {
	var b strings.Builder
	if e.InPromise {
		b.WriteString("Uncaught (in promise) ")
	} else {
		b.WriteString("Uncaught ")
	}
	b.WriteString(e.exceptionMessage())
	return b.String()
}

// String returns the error message followed by the stack, when available.
func (e *JsError) String() string {
	msg := e.Error()
	if e.Stack == "" {
		return msg
	}
	stack := e.Stack
	if first, rest, ok := strings.Cut(stack, "\n"); ok && first == e.exceptionMessage() {
		stack = rest
	} else if stack == e.exceptionMessage() {
		return msg
	}
	return msg + "\n" + stack
}

func (e *JsError) exceptionMessage() string {
	switch {
	case e.Name == "":
		return e.Message
	case e.Message == "":
		return e.Name
	default:
		return e.Name + ": " + e.Message
	}
}

// IsTermination reports whether the error is the synthesized exception
// produced by [IsolateHandle.TerminateExecution].
func (e *JsError) IsTermination() bool {
	return e.Name == "Error" && e.Message == terminatedMessage && !e.InPromise
}

// NewOpError returns an op failure of the given class.
func NewOpError(class, message string) *OpError {
	return &OpError{Class: class, Message: message}
}

// TypeError returns an op failure with class TypeError.
func TypeError(format string, args ...any) *OpError {
	return &OpError{Class: "TypeError", Message: fmt.Sprintf(format, args...)}
}

// RangeError returns an op failure with class RangeError.
func RangeError(format string, args ...any) *OpError {
	return &OpError{Class: "RangeError", Message: fmt.Sprintf(format, args...)}
}

// WrapOpError returns an op failure of the given class wrapping cause.
func WrapOpError(class string, cause error) *OpError {
	if cause == nil {
		return nil
	}
	return &OpError{Class: class, Message: cause.Error(), Cause: cause}
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Class == "" {
		return e.Message
	}
	return e.Class + ": " + e.Message
}

// Unwrap returns the underlying cause.
func (e *OpError) Unwrap() error {
	return e.Cause
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("op panicked: %v", e.Value)
}

// Unwrap returns the panic value if it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Error implements the error interface.
func (e *ModuleError) Error() string {
	var b strings.Builder
	b.WriteString(e.Cause.Error())
	if e.Specifier != "" {
		b.WriteString(" (specifier: ")
		b.WriteString(e.Specifier)
		if e.Referrer != "" {
			b.WriteString(", from: ")
			b.WriteString(e.Referrer)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ModuleError) Unwrap() error {
	return e.Cause
}

// defaultErrorClass maps op failures to the class name seen by script.
func defaultErrorClass(err error) string {
	var opErr *OpError
	if errors.As(err, &opErr) && opErr.Class != "" {
		return opErr.Class
	}
	var jsErr *JsError
	if errors.As(err, &jsErr) && jsErr.Name != "" {
		return jsErr.Name
	}
	return "Error"
}

// errorMessage strips the class prefix OpError adds to Error().
func errorMessage(err error) string {
	var opErr *OpError
	if errors.As(err, &opErr) {
		return opErr.Message
	}
	var jsErr *JsError
	if errors.As(err, &jsErr) {
		return jsErr.Message
	}
	return err.Error()
}
