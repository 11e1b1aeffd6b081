package core

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

type (
	// OpID is the integer id of a registered op. Ids are assigned in
	// registration order and never change for the lifetime of a [Runtime].
	OpID int

	// OpFn implements an op. It is called on the runtime goroutine. The
	// returned [Op] is either an inline result or deferred work.
	OpFn func(state *OpState, payload Payload) Op

	// AsyncFn is the deferred part of an async op. It runs on its own
	// goroutine; ctx is canceled when the runtime is closed.
	AsyncFn func(ctx context.Context) (any, error)

	// Payload is the decoded op argument plus any binary buffers passed
	// after it.
	Payload struct {
		// Args is the exported script value (nil for undefined/null).
		Args    any
		Buffers [][]byte
	}

	// Op is the result of calling an [OpFn].
	Op struct {
		value any
		err   error
		fn    AsyncFn
		kind  opKind
	}

	// OpDecl pairs an op name with its implementation, for [Extension].
	OpDecl struct {
		Fn   OpFn
		Name string
	}

	opKind int

	opRecord struct {
		fn   OpFn
		name string
		id   OpID
	}

	opTable struct {
		byName map[string]OpID
		ops    []opRecord
	}
)

const (
	opKindSync opKind = iota
	opKindAsync
	opKindAsyncUnref
)

// Sync returns an inline op result.
func Sync(value any, err error) Op {
	return Op{kind: opKindSync, value: value, err: err}
}

// Async returns deferred work which keeps the event loop alive until it
// completes, unless the script called the op via opAsyncUnref.
func Async(fn AsyncFn) Op {
	return Op{kind: opKindAsync, fn: fn}
}

// AsyncUnref returns deferred work which does not keep the event loop alive.
func AsyncUnref(fn AsyncFn) Op {
	return Op{kind: opKindAsyncUnref, fn: fn}
}

// Decode decodes the payload args into out using mapstructure, matching
// struct fields by their `json` tag. Failures are TypeError op failures.
func (x Payload) Decode(out any) error {
	if err := DecodeArgs(x.Args, out); err != nil {
		return TypeError("invalid op arguments: %v", err)
	}
	return nil
}

// DecodeArgs decodes an exported script value into out, matching struct
// fields by their `json` tag, with weak typing (e.g. numbers from strings)
// and string durations.
func DecodeArgs(in, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// OpSync adapts a typed synchronous function to an [OpFn].
func OpSync[A, R any](fn func(state *OpState, args A, bufs [][]byte) (R, error)) OpFn {
	return func(state *OpState, payload Payload) Op {
		var args A
		if err := payload.Decode(&args); err != nil {
			return Sync(nil, err)
		}
		return Sync(fn(state, args, payload.Buffers))
	}
}

// OpAsync adapts a typed asynchronous function to an [OpFn]. Arguments are
// decoded on the runtime goroutine, fn runs on its own goroutine.
func OpAsync[A, R any](fn func(ctx context.Context, state *OpState, args A, bufs [][]byte) (R, error)) OpFn {
	return func(state *OpState, payload Payload) Op {
		var args A
		if err := payload.Decode(&args); err != nil {
			return Sync(nil, err)
		}
		return Async(func(ctx context.Context) (any, error) {
			return fn(ctx, state, args, payload.Buffers)
		})
	}
}

func newOpTable() *opTable {
	return &opTable{byName: make(map[string]OpID)}
}

// register assigns the next id to name, or replaces the function of an
// existing registration, keeping its id.
func (x *opTable) register(name string, fn OpFn) OpID {
	if fn == nil {
		panic(fmt.Sprintf("jsruntime: nil op function for %q", name))
	}
	if id, ok := x.byName[name]; ok {
		x.ops[id].fn = fn
		return id
	}
	id := OpID(len(x.ops))
	x.ops = append(x.ops, opRecord{id: id, name: name, fn: fn})
	x.byName[name] = id
	return id
}

func (x *opTable) lookup(id OpID) (opRecord, bool) {
	if id < 0 || int(id) >= len(x.ops) {
		return opRecord{}, false
	}
	return x.ops[id], true
}

// runAsync executes fn, converting a panic into a [PanicError].
func runAsync(ctx context.Context, fn AsyncFn) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value, err = nil, &PanicError{Value: r}
		}
	}()
	return fn(ctx)
}
