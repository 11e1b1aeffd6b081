// Package timers provides setTimeout, setInterval, clearTimeout,
// clearInterval and queueMicrotask, implemented on async ops.
//
// Every pending timer is one in-flight op, so a pending setTimeout keeps
// the event loop alive, unless started with Host.timers.setUnrefTimeout.
// Callbacks run once the op completes, on a later tick of the event loop.
package timers

import (
	"context"
	_ "embed"
	"sync"
	"time"

	"github.com/joeycumines/go-jsruntime/core"
)

//go:embed timers.js
var timersJS string

type (
	// Registry tracks pending timers, so they can be canceled. It is stored
	// in the op state.
	Registry struct {
		pending map[int64]chan struct{}
		mu      sync.Mutex
	}

	startArgs struct {
		ID    int64   `json:"id"`
		Delay float64 `json:"delay"`
	}
)

// Extension returns the timers extension.
func Extension() core.Extension {
	return core.Extension{
		Name: "timers",
		JS:   []core.SourceFile{{Specifier: "host:timers/timers.js", Code: timersJS}},
		Ops: []core.OpDecl{
			{Name: "op_timer_start", Fn: opTimerStart},
			{Name: "op_timer_cancel", Fn: opTimerCancel},
		},
		State: func(state *core.OpState) error {
			state.Put(&Registry{pending: make(map[int64]chan struct{})})
			return nil
		},
	}
}

// Len returns the number of pending timers.
func (x *Registry) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

func (x *Registry) add(id int64) <-chan struct{} {
	x.mu.Lock()
	defer x.mu.Unlock()
	if ch, ok := x.pending[id]; ok {
		close(ch)
	}
	ch := make(chan struct{})
	x.pending[id] = ch
	return ch
}

func (x *Registry) cancel(id int64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	ch, ok := x.pending[id]
	if ok {
		delete(x.pending, id)
		close(ch)
	}
	return ok
}

func (x *Registry) done(id int64, ch <-chan struct{}) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.pending[id] == ch {
		delete(x.pending, id)
	}
}

// opTimerStart resolves true once the delay (in milliseconds) has elapsed,
// or false if the timer was canceled first. Registration happens before the
// op returns, so a cancel issued by the same script always wins.
func opTimerStart(state *core.OpState, payload core.Payload) core.Op {
	var args startArgs
	if err := payload.Decode(&args); err != nil {
		return core.Sync(nil, err)
	}
	reg := core.Borrow[*Registry](state)
	canceled := reg.add(args.ID)
	delay := time.Duration(args.Delay * float64(time.Millisecond))
	return core.Async(func(ctx context.Context) (any, error) {
		defer reg.done(args.ID, canceled)
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			return true, nil
		case <-canceled:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})
}

func opTimerCancel(state *core.OpState, payload core.Payload) core.Op {
	var id int64
	if err := payload.Decode(&id); err != nil {
		return core.Sync(nil, err)
	}
	return core.Sync(core.Borrow[*Registry](state).cancel(id), nil)
}
