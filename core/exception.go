package core

import (
	"errors"
	"reflect"

	"github.com/grafana/sobek"
)

// errorFromEngine converts an error returned by the engine into a host
// error. Errors that are not engine exceptions are returned unchanged.
func (x *Runtime) errorFromEngine(err error, inPromise bool) error {
	var (
		interrupted *sobek.InterruptedError
		exception   *sobek.Exception
		syntax      *sobek.CompilerSyntaxError
	)
	switch {
	case errors.As(err, &interrupted):
		return x.exceptionToError(nil, inPromise)
	case errors.As(err, &exception):
		jsErr := x.exceptionToError(exception.Value(), inPromise)
		if jsErr.Stack == "" {
			jsErr.Stack = exception.String()
		}
		return jsErr
	case errors.As(err, &syntax):
		return &JsError{Name: "SyntaxError", Message: syntax.Error(), InPromise: inPromise}
	default:
		return err
	}
}

// exceptionToError captures a thrown value. While termination is pending
// the engine cannot produce the value, so the interrupt is cleared, the
// exception synthesized, and the interrupt re-armed before returning.
func (x *Runtime) exceptionToError(value sobek.Value, inPromise bool) *JsError {
	terminating := x.handle.IsExecutionTerminating()
	if terminating {
		x.vm.ClearInterrupt()
		defer x.vm.Interrupt(terminationSignal{})
	}
	if value == nil || (terminating && sobek.IsUndefined(value)) {
		value = x.newError("Error", terminatedMessage)
	}
	return x.describeException(value, inPromise)
}

func (x *Runtime) describeException(value sobek.Value, inPromise bool) *JsError {
	value = unwrapException(value)
	jsErr := &JsError{Value: value, InPromise: inPromise}
	obj, ok := value.(*sobek.Object)
	if !ok {
		jsErr.Message = value.String()
		return jsErr
	}
	if ex := x.vm.Try(func() {
		if v := obj.Get("name"); v != nil && !sobek.IsUndefined(v) {
			jsErr.Name = v.String()
		}
		if v := obj.Get("message"); v != nil && !sobek.IsUndefined(v) {
			jsErr.Message = v.String()
		}
		if v := obj.Get("stack"); v != nil && !sobek.IsUndefined(v) {
			jsErr.Stack = v.String()
		}
	}); ex != nil || (jsErr.Name == "" && jsErr.Message == "") {
		jsErr.Name = ""
		jsErr.Message = obj.String()
	}
	return jsErr
}

var exceptionType = reflect.TypeOf((*sobek.Exception)(nil))

// unwrapException returns the thrown value of a Go *sobek.Exception that was
// itself converted to a script value, as happens with module evaluation
// rejections.
func unwrapException(value sobek.Value) sobek.Value {
	for {
		obj, ok := value.(*sobek.Object)
		if !ok || obj.ExportType() != exceptionType {
			return value
		}
		ex, ok := obj.Export().(*sobek.Exception)
		if !ok || ex.Value() == nil {
			return value
		}
		value = ex.Value()
	}
}

// newError constructs an instance of the named global error class.
func (x *Runtime) newError(class, message string) sobek.Value {
	if ctor := x.vm.Get(class); ctor != nil {
		if obj, err := x.vm.New(ctor, x.vm.ToValue(message)); err == nil {
			return obj
		}
	}
	return x.vm.NewGoError(errors.New(message))
}

// errorToValue returns the script-visible exception for a host error,
// reusing the engine value the error carries if any.
func (x *Runtime) errorToValue(err error) sobek.Value {
	var jsErr *JsError
	if errors.As(err, &jsErr) && jsErr.Value != nil {
		return jsErr.Value
	}
	var exception *sobek.Exception
	if errors.As(err, &exception) {
		return exception.Value()
	}
	return x.newError("TypeError", err.Error())
}

// trackRejection is the engine's promise rejection tracker.
func (x *Runtime) trackRejection(p *sobek.Promise, operation sobek.PromiseRejectionOperation) {
	release := x.state.guard.borrow()
	defer release()
	switch operation {
	case sobek.PromiseRejectionReject:
		x.state.addRejection(p, p.Result())
	case sobek.PromiseRejectionHandle:
		x.state.removeRejection(p)
	}
}

// promiseError converts the result of a rejected promise.
func (x *Runtime) promiseError(reason sobek.Value, inPromise bool) *JsError {
	if reason == nil {
		reason = sobek.Undefined()
	}
	return x.exceptionToError(unwrapException(reason), inPromise)
}
