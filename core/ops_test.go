package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func mathExtension() Extension {
	return Extension{
		Name: "math",
		Ops: []OpDecl{
			{Name: "op_add", Fn: OpSync(func(_ *OpState, args addArgs, _ [][]byte) (int, error) {
				return args.A + args.B, nil
			})},
			{Name: "op_double", Fn: OpAsync(func(ctx context.Context, _ *OpState, n int, _ [][]byte) (int, error) {
				select {
				case <-ctx.Done():
					return 0, ctx.Err()
				case <-time.After(time.Duration(n%3) * time.Millisecond):
				}
				return n * 2, nil
			})},
			{Name: "op_fail", Fn: func(*OpState, Payload) Op {
				return Sync(nil, RangeError("value %d out of range", 7))
			}},
			{Name: "op_fail_async", Fn: func(*OpState, Payload) Op {
				return Async(func(context.Context) (any, error) {
					return nil, NewOpError("NotFound", "no such thing")
				})
			}},
			{Name: "op_panic", Fn: func(*OpState, Payload) Op {
				return Async(func(context.Context) (any, error) {
					panic("kaboom")
				})
			}},
			{Name: "op_len", Fn: func(_ *OpState, p Payload) Op {
				var n int
				for _, b := range p.Buffers {
					n += len(b)
				}
				return Sync(n, nil)
			}},
			{Name: "op_bytes", Fn: func(*OpState, Payload) Op {
				return Sync([]byte("hi"), nil)
			}},
		},
	}
}

func TestOpIDs_denseAndStable(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})

	printID, ok := rt.OpID("op_print")
	require.True(t, ok)
	assert.Equal(t, OpID(0), printID)

	addID, ok := rt.OpID("op_add")
	require.True(t, ok)

	id := rt.RegisterOp("op_late", func(*OpState, Payload) Op { return Sync("late", nil) })
	assert.Equal(t, OpID(len(rt.ops.ops)-1), id)

	// re-registration keeps the id
	again := rt.RegisterOp("op_add", func(*OpState, Payload) Op { return Sync(-1, nil) })
	assert.Equal(t, addID, again)

	require.NoError(t, rt.SyncOpsCache())
	v, err := rt.Execute("a.js", `
		const ops = Host.core.ops();
		[ops.op_print, ops.op_add, ops.op_late, Host.core.opSync("op_late"), Host.core.opSync("op_add")];
	`)
	require.NoError(t, err)
	got := v.Export().([]any)
	assert.Equal(t, []any{int64(0), int64(addID), int64(id), "late", int64(-1)}, got)
}

func TestOp_registeredAfterCacheSyncIsUnknown(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	rt.RegisterOp("op_new", func(*OpState, Payload) Op { return Sync(1, nil) })
	_, err := rt.Execute("a.js", `Host.core.opSync("op_new")`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TypeError: Unknown op: op_new")

	require.NoError(t, rt.SyncOpsCache())
	v, err := rt.Execute("b.js", `Host.core.opSync("op_new")`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.ToInteger())
}

func TestOpcall_unknownID(t *testing.T) {
	rt := newTestRuntime(t, Options{})
	_, err := rt.Execute("a.js", `Host.core.opcall(100, 0, false)`)
	var jsErr *JsError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "TypeError", jsErr.Name)
	assert.Equal(t, "Unknown op id: 100", jsErr.Message)
}

func TestOpSync(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	v, err := rt.Execute("a.js", `Host.core.opSync("op_add", { a: 40, b: 2 })`)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v.ToInteger())

	v, err = rt.Execute("b.js", `
		try {
			Host.core.opSync("op_fail");
			"no error";
		} catch (e) {
			(e instanceof RangeError) + ":" + e.message;
		}
	`)
	require.NoError(t, err)
	assert.Equal(t, "true:value 7 out of range", v.String())

	_, err = rt.Execute("c.js", `Host.core.opSync("op_add", "not an object")`)
	var jsErr *JsError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "TypeError", jsErr.Name)
	assert.True(t, strings.HasPrefix(jsErr.Message, "invalid op arguments"), jsErr.Message)
}

func TestOpSync_asyncOpRejected(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	_, err := rt.Execute("a.js", `Host.core.opSync("op_double", 1)`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op op_double is async")
}

func TestOpBuffers(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	v, err := rt.Execute("a.js", `
		const n = Host.core.opSync("op_len", null, new Uint8Array([1, 2, 3]), new ArrayBuffer(4));
		const b = Host.core.opSync("op_bytes");
		[n, b instanceof Uint8Array, b.length, b[0]];
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(7), true, int64(2), int64('h')}, v.Export())
}

func TestOpAsync_many(t *testing.T) {
	const n = 50
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	_, err := rt.Execute("a.js", `
		globalThis.results = [];
		for (let i = 0; i < 50; i++) {
			Host.core.opAsync("op_double", i).then((v) => results.push(v));
		}
	`)
	require.NoError(t, err)
	require.NoError(t, rt.RunEventLoop(testContext(t)))

	v, err := rt.Execute("b.js", `[results.length, results.reduce((a, b) => a + b, 0)]`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(n), int64(n * (n - 1))}, v.Export())
	assert.Zero(t, rt.state.pendingOps)
}

func TestOpAsync_errors(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	_, err := rt.Execute("a.js", `
		globalThis.errs = [];
		Host.core.opAsync("op_fail_async").catch((e) => errs.push(e.name + ": " + e.message));
		Host.core.opAsync("op_panic").catch((e) => errs.push(e.name + ": " + e.message));
	`)
	require.NoError(t, err)
	require.NoError(t, rt.RunEventLoop(testContext(t)))

	v, err := rt.Execute("b.js", `errs.sort()`)
	require.NoError(t, err)
	assert.Equal(t, []any{"Error: op panicked: kaboom", "NotFound: no such thing"}, v.Export())
}

func TestOpAsync_inlineResult(t *testing.T) {
	rt := newTestRuntime(t, Options{Extensions: []Extension{mathExtension()}})
	_, err := rt.Execute("a.js", `Host.core.opAsync("op_add", { a: 1, b: 2 }).then((v) => { globalThis.sum = v })`)
	require.NoError(t, err)
	ready, err := rt.Poll(WakerFunc(func() {}))
	require.NoError(t, err)
	assert.True(t, ready)
	v, err := rt.Execute("b.js", "sum")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.ToInteger())
}

func TestOpAsyncUnref_doesNotKeepLoopAlive(t *testing.T) {
	var canceled atomic.Bool
	done := make(chan struct{})
	rt, err := New(Options{Extensions: []Extension{{
		Name: "sleep",
		Ops: []OpDecl{{Name: "op_sleep", Fn: func(*OpState, Payload) Op {
			return Async(func(ctx context.Context) (any, error) {
				defer close(done)
				<-ctx.Done()
				canceled.Store(true)
				return nil, ctx.Err()
			})
		}}},
	}}})
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	_, err = rt.Execute("a.js", `Host.core.opAsyncUnref("op_sleep")`)
	require.NoError(t, err)
	require.NoError(t, rt.RunEventLoop(testContext(t)))
	assert.Equal(t, 1, rt.state.pendingUnrefOps)

	require.NoError(t, rt.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("async op was not canceled by Close")
	}
	assert.True(t, canceled.Load())
}

func TestMiddleware(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	rt := newTestRuntime(t, Options{Extensions: []Extension{
		mathExtension(),
		{
			Name: "trace",
			Middleware: func(name string, fn OpFn) OpFn {
				if name == "op_print" {
					return fn
				}
				return func(state *OpState, payload Payload) Op {
					mu.Lock()
					calls = append(calls, name)
					mu.Unlock()
					return fn(state, payload)
				}
			},
		},
		{
			Name: "deny",
			Middleware: func(name string, fn OpFn) OpFn {
				if name != "op_fail" {
					return fn
				}
				return func(*OpState, Payload) Op {
					return Sync(nil, errors.New("denied"))
				}
			},
		},
	}})

	v, err := rt.Execute("a.js", `
		let msg;
		try { Host.core.opSync("op_fail") } catch (e) { msg = e.name + ": " + e.message }
		[Host.core.opSync("op_add", { a: 1, b: 1 }), msg];
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), "Error: denied"}, v.Export())

	mu.Lock()
	defer mu.Unlock()
	// deny wraps trace, so op_fail never reaches it
	assert.Equal(t, []string{"op_add"}, calls)
}

type testResource struct {
	closed atomic.Bool
}

func (*testResource) Name() string { return "testResource" }

func (x *testResource) Close() error {
	x.closed.Store(true)
	return nil
}

func TestResources(t *testing.T) {
	res := new(testResource)
	var rid ResourceID
	rt := newTestRuntime(t, Options{Extensions: []Extension{{
		Name: "res",
		State: func(state *OpState) error {
			rid = state.Resources().Add(res)
			state.Put(res)
			return nil
		},
	}}})

	got, ok := TryBorrow[*testResource](rt.OpState())
	require.True(t, ok)
	assert.Same(t, res, got)

	v, err := rt.Execute("a.js", `JSON.stringify(Host.core.resources())`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":"testResource"}`, v.String())
	assert.Equal(t, ResourceID(0), rid)

	v, err = rt.Execute("b.js", `
		Host.core.close(0);
		let name;
		try { Host.core.close(0) } catch (e) { name = e.name }
		[Object.keys(Host.core.resources()).length, name];
	`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), "BadResource"}, v.Export())
	assert.True(t, res.closed.Load())
}

func TestOpState(t *testing.T) {
	state := newOpState()
	_, ok := TryBorrow[int](state)
	assert.False(t, ok)
	assert.Panics(t, func() { Borrow[string](state) })

	state.Put(42)
	state.Put("x")
	assert.Equal(t, 42, Borrow[int](state))

	v, ok := Take[int](state)
	require.True(t, ok)
	assert.Equal(t, 42, v)
	_, ok = TryBorrow[int](state)
	assert.False(t, ok)
	assert.Equal(t, "x", Borrow[string](state))
}
