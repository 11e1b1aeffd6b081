// Package hostloop runs a [core.Runtime] on a [eventloop.Loop].
//
// The runtime is only ever touched from the loop goroutine: it is created
// there, every [Host.Do] callback runs there, and [Host.RunEventLoop] ticks
// the runtime there, submitting a new tick each time the runtime's waker
// fires. Other goroutines may interact with the runtime only via Do, or by
// terminating script through [Host.Handle].
package hostloop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-eventloop"
	"github.com/joeycumines/go-jsruntime/core"
	"github.com/joeycumines/logiface"
)

// Host owns an event loop and the runtime driven by it.
type Host struct {
	loop    *eventloop.Loop
	rt      *core.Runtime
	handle  *core.IsolateHandle
	logger  *logiface.Logger[logiface.Event]
	cancel  context.CancelFunc
	runDone chan error
	closed  atomic.Bool
}

// ErrClosed is returned by methods called after [Host.Close].
var ErrClosed = errors.New("hostloop: host closed")

// New starts an event loop and creates a runtime on it.
func New(ctx context.Context, opts core.Options) (*Host, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("hostloop: failed to create event loop: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	x := &Host{
		loop:    loop,
		logger:  opts.Logger,
		cancel:  cancel,
		runDone: make(chan error, 1),
	}
	go func() {
		x.runDone <- loop.Run(runCtx)
	}()

	err = x.submit(ctx, func() error {
		rt, err := core.New(opts)
		if err != nil {
			return err
		}
		x.rt = rt
		x.handle = rt.Handle()
		return nil
	})
	if err != nil {
		x.shutdown(ctx)
		return nil, err
	}

	x.logger.Debug().Log("host started")

	return x, nil
}

// Handle returns the termination handle of the runtime. It may be used
// from any goroutine.
func (x *Host) Handle() *core.IsolateHandle {
	return x.handle
}

// Do runs fn on the loop goroutine, with exclusive access to the runtime,
// and waits for it to return. It must not be called from the loop
// goroutine (i.e. from fn).
func (x *Host) Do(ctx context.Context, fn func(rt *core.Runtime) error) error {
	if x.closed.Load() {
		return ErrClosed
	}
	return x.submit(ctx, func() error {
		if x.closed.Load() {
			return ErrClosed
		}
		return fn(x.rt)
	})
}

// submit runs fn on the loop, recovering panics.
func (x *Host) submit(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	err := x.loop.Submit(func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("hostloop: panic: %v", r)
			}
			result <- err
		}()
		err = fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

// RunEventLoop drives the runtime's event loop until it has no more work,
// it fails, or ctx is done.
func (x *Host) RunEventLoop(ctx context.Context) error {
	if x.closed.Load() {
		return ErrClosed
	}
	d := &driver{host: x, done: make(chan error, 1)}
	d.Wake()
	select {
	case <-ctx.Done():
		d.finished.Store(true)
		return ctx.Err()
	case err := <-d.done:
		return err
	}
}

// RunMain loads specifier as the main module, evaluates it, and drives the
// event loop until the evaluation settles and no work remains.
func (x *Host) RunMain(ctx context.Context, specifier string, code *string) error {
	var result <-chan error
	err := x.Do(ctx, func(rt *core.Runtime) error {
		id, err := rt.LoadMainModule(ctx, specifier, code)
		if err != nil {
			return err
		}
		result = rt.EvaluateModule(id)
		return nil
	})
	if err != nil {
		return err
	}
	if err := x.RunEventLoop(ctx); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	default:
		return core.ErrPendingModuleEvaluation
	}
}

// Close closes the runtime and shuts down the event loop.
func (x *Host) Close(ctx context.Context) error {
	if x.closed.Load() {
		return nil
	}
	err := x.submit(ctx, func() error {
		if !x.closed.CompareAndSwap(false, true) {
			return nil
		}
		return x.rt.Close()
	})
	if e := x.shutdown(ctx); err == nil {
		err = e
	}
	x.logger.Debug().Err(err).Log("host closed")
	return err
}

func (x *Host) shutdown(ctx context.Context) error {
	x.closed.Store(true)
	err := x.loop.Shutdown(ctx)
	if errors.Is(err, eventloop.ErrLoopTerminated) {
		err = nil
	}
	x.cancel()
	select {
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	case <-x.runDone:
	}
	return err
}

// driver ticks the runtime on the loop. At most one tick is queued at a
// time; a wake during a tick queues the next one.
type driver struct {
	host      *Host
	done      chan error
	scheduled atomic.Bool
	finished  atomic.Bool
}

func (x *driver) Wake() {
	if x.finished.Load() || !x.scheduled.CompareAndSwap(false, true) {
		return
	}
	if err := x.host.loop.Submit(x.tick); err != nil {
		x.finish(err)
	}
}

func (x *driver) tick() {
	x.scheduled.Store(false)
	if x.finished.Load() {
		return
	}
	if x.host.closed.Load() {
		x.finish(ErrClosed)
		return
	}
	ready, err := x.poll()
	if err != nil || ready {
		x.finish(err)
	}
}

func (x *driver) poll() (ready bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hostloop: panic: %v", r)
		}
	}()
	return x.host.rt.Poll(x)
}

func (x *driver) finish(err error) {
	if x.finished.CompareAndSwap(false, true) {
		x.done <- err
	}
}
