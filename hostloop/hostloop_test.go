package hostloop

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-jsruntime/core"
	"github.com/joeycumines/go-jsruntime/ext/console"
	"github.com/joeycumines/go-jsruntime/ext/timers"
	"github.com/joeycumines/go-jsruntime/loader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newHost(t *testing.T, opts core.Options) *Host {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("Failed to create host: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Close(ctx); err != nil {
			t.Errorf("Failed to close host: %v", err)
		}
	})
	return h
}

func TestHost_Do(t *testing.T) {
	h := newHost(t, core.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got int64
	err := h.Do(ctx, func(rt *core.Runtime) error {
		v, err := rt.Execute("a.js", "6 * 7")
		if err != nil {
			return err
		}
		got = v.ToInteger()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	sentinel := errors.New("sentinel")
	assert.ErrorIs(t, h.Do(ctx, func(*core.Runtime) error { return sentinel }), sentinel)

	err = h.Do(ctx, func(*core.Runtime) error { panic("boom") })
	assert.ErrorContains(t, err, "panic: boom")

	// the loop survives a panicking task
	require.NoError(t, h.Do(ctx, func(*core.Runtime) error { return nil }))
}

func TestHost_RunEventLoop_timers(t *testing.T) {
	stdout := new(syncBuffer)
	h := newHost(t, core.Options{
		Stdout:     stdout,
		Extensions: []core.Extension{console.Extension(), timers.Extension()},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute("a.js", `
			let n = 0;
			const id = setInterval(() => {
				console.log("tick", ++n);
				if (n === 3) clearInterval(id);
			}, 2);
			setTimeout(() => console.log("done"), 30);
		`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, h.RunEventLoop(ctx))
	assert.Equal(t, "tick 1\ntick 2\ntick 3\ndone\n", stdout.String())

	// nothing pending, so the next run returns immediately
	require.NoError(t, h.RunEventLoop(ctx))
}

func TestHost_RunEventLoop_error(t *testing.T) {
	h := newHost(t, core.Options{Extensions: []core.Extension{timers.Extension()}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute("a.js", `setTimeout(() => Promise.reject(new TypeError("nope")), 1)`)
		return err
	}))
	err := h.RunEventLoop(ctx)
	var jsErr *core.JsError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "TypeError", jsErr.Name)
}

func TestHost_RunEventLoop_contextDone(t *testing.T) {
	h := newHost(t, core.Options{Extensions: []core.Extension{timers.Extension()}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute("a.js", `setTimeout(() => {}, 60 * 60 * 1000)`)
		return err
	}))

	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, h.RunEventLoop(short), context.DeadlineExceeded)

	// still usable after an abandoned run
	require.NoError(t, h.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute("b.js", "1")
		return err
	}))
}

func TestHost_RunMain(t *testing.T) {
	mem, err := loader.NewMemory(map[string]string{
		"main.js": `
			import { greet } from "./greet.js";
			await new Promise((resolve) => setTimeout(resolve, 5));
			console.log(greet("loop"));
		`,
		"greet.js": `export const greet = (name) => "hello " + name;`,
	})
	require.NoError(t, err)

	stdout := new(syncBuffer)
	h := newHost(t, core.Options{
		ModuleLoader: mem,
		Stdout:       stdout,
		Extensions:   []core.Extension{console.Extension(), timers.Extension()},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.RunMain(ctx, "file:///main.js", nil))
	assert.Equal(t, "hello loop\n", stdout.String())
}

func TestHost_RunMain_throws(t *testing.T) {
	code := `throw new RangeError("bad")`
	h := newHost(t, core.Options{ModuleLoader: must(loader.NewMemory(nil))})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h.RunMain(ctx, "file:///main.js", &code)
	var jsErr *core.JsError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "RangeError", jsErr.Name)
}

func TestHost_Handle_terminate(t *testing.T) {
	h := newHost(t, core.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		h.Handle().TerminateExecution()
	}()
	err := h.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute("spin.js", "for (;;) {}")
		return err
	})
	var jsErr *core.JsError
	require.ErrorAs(t, err, &jsErr)
	assert.True(t, jsErr.IsTermination(), "got %v", err)
	assert.True(t, h.Handle().IsExecutionTerminating())

	require.NoError(t, h.Do(ctx, func(rt *core.Runtime) error {
		rt.CancelTerminateExecution()
		_, err := rt.Execute("ok.js", "1")
		return err
	}))
}

func TestHost_Close(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := New(ctx, core.Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))
	assert.ErrorIs(t, h.Do(ctx, func(*core.Runtime) error { return nil }), ErrClosed)
	assert.ErrorIs(t, h.RunEventLoop(ctx), ErrClosed)
}

func TestNew_invalidOptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx, core.Options{Extensions: []core.Extension{{Name: "a"}, {Name: "a"}}})
	assert.ErrorContains(t, err, `duplicate extension "a"`)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
