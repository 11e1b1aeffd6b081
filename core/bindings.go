package core

import (
	"github.com/grafana/sobek"
)

const (
	resultOk  = 0
	resultErr = 1
)

// nativeOpcall implements Host.core.opcall(opId, promiseId, unref, args, ...bufs).
// A zero promise id is a synchronous call. Async calls return undefined
// unless the op produced an inline result.
func (x *Runtime) nativeOpcall(call sobek.FunctionCall) sobek.Value {
	id := OpID(call.Argument(0).ToInteger())
	promiseID := call.Argument(1).ToInteger()
	unref := call.Argument(2).ToBoolean()

	rec, ok := x.ops.lookup(id)
	if !ok {
		panic(x.vm.NewTypeError("Unknown op id: %d", int64(id)))
	}

	payload := Payload{Args: exportArgs(call.Argument(3))}
	if len(call.Arguments) > 4 {
		payload.Buffers = make([][]byte, 0, len(call.Arguments)-4)
		for _, v := range call.Arguments[4:] {
			b, ok := exportBuffer(v)
			if !ok {
				panic(x.vm.NewTypeError("op %s: expected ArrayBuffer or Uint8Array buffer argument", rec.name))
			}
			payload.Buffers = append(payload.Buffers, b)
		}
	}

	op := rec.fn(x.opState, payload)
	switch op.kind {
	case opKindSync:
		return x.encodeResult(op.value, op.err)
	case opKindAsync, opKindAsyncUnref:
		if promiseID == 0 {
			panic(x.vm.NewTypeError("op %s is async, call it with opAsync", rec.name))
		}
		x.dispatchAsync(promiseID, op.fn, unref || op.kind == opKindAsyncUnref)
		return sobek.Undefined()
	default:
		panic("jsruntime: invalid op kind")
	}
}

func (x *Runtime) nativeOpNames(sobek.FunctionCall) sobek.Value {
	pairs := make([]any, 0, len(x.ops.ops))
	for _, op := range x.ops.ops {
		pairs = append(pairs, x.vm.NewArray(op.name, int64(op.id)))
	}
	return x.vm.NewArray(pairs...)
}

func (x *Runtime) nativeSetMacrotaskCallback(call sobek.FunctionCall) sobek.Value {
	fn, ok := sobek.AssertFunction(call.Argument(0))
	if !ok {
		panic(x.vm.NewTypeError("macrotask callback must be a function"))
	}
	x.macrotask = fn
	return sobek.Undefined()
}

// dispatchAsync starts fn on its own goroutine, counting it as pending until
// its completion is delivered by Poll.
func (x *Runtime) dispatchAsync(promiseID int64, fn AsyncFn, unref bool) {
	release := x.state.guard.borrow()
	if unref {
		x.state.pendingUnrefOps++
	} else {
		x.state.pendingOps++
	}
	x.state.haveUnpolledOps = true
	completions := x.state.completions
	release()

	ctx := x.ctx
	go func() {
		value, err := runAsync(ctx, fn)
		select {
		case completions <- opCompletion{promiseID: promiseID, value: value, err: err, unref: unref}:
		case <-ctx.Done():
			return
		}
		x.waker.Wake()
	}()
}

// encodeResult builds the [kind, value] pair delivered to script.
func (x *Runtime) encodeResult(value any, err error) sobek.Value {
	if err != nil {
		detail := x.vm.NewObject()
		_ = detail.Set("className", x.getErrorClass(err))
		_ = detail.Set("message", errorMessage(err))
		return x.vm.NewArray(resultErr, detail)
	}
	return x.vm.NewArray(resultOk, x.toValue(value))
}

// toValue converts an op result to a script value. Byte slices become
// Uint8Array instances.
func (x *Runtime) toValue(value any) sobek.Value {
	switch v := value.(type) {
	case nil:
		return sobek.Undefined()
	case sobek.Value:
		return v
	case []byte:
		ab := x.vm.NewArrayBuffer(v)
		if ctor := x.vm.Get("Uint8Array"); ctor != nil {
			if obj, err := x.vm.New(ctor, x.vm.ToValue(ab)); err == nil {
				return obj
			}
		}
		return x.vm.ToValue(ab)
	default:
		return x.vm.ToValue(v)
	}
}

func exportArgs(v sobek.Value) any {
	if v == nil || sobek.IsUndefined(v) || sobek.IsNull(v) {
		return nil
	}
	return v.Export()
}

// exportBuffer copies the bytes of an ArrayBuffer or typed array view.
func exportBuffer(v sobek.Value) ([]byte, bool) {
	if v == nil {
		return nil, false
	}
	switch b := v.Export().(type) {
	case []byte:
		return append([]byte(nil), b...), true
	case sobek.ArrayBuffer:
		return append([]byte(nil), b.Bytes()...), true
	default:
		return nil, false
	}
}
