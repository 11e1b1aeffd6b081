package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/grafana/sobek"
	"github.com/joeycumines/go-jsruntime/internal/longpoll"
)

// Poll performs one non-blocking tick of the event loop. It returns
// (true, nil) when there is no more work, a non-nil error when the loop
// failed, and (false, nil) when work is pending, in which case w is woken
// once the runtime should be polled again.
func (x *Runtime) Poll(w Waker) (bool, error) {
	x.assertUsable()

	x.waker.register(w)

	if err := x.pollPendingOps(); err != nil {
		return false, err
	}

	if err := x.drainMacrotasks(); err != nil {
		return false, err
	}

	if err := x.checkPromiseRejections(); err != nil {
		return false, err
	}

	x.pollDynamicImports()

	x.pollDynamicEvaluations()

	x.pollTopLevelEvaluation()

	// settling imports and evaluations may have rejected promises
	if err := x.checkPromiseRejections(); err != nil {
		return false, err
	}

	return x.readiness()
}

// RunEventLoop polls until the event loop has no more work, an error
// occurs, or ctx is done.
func (x *Runtime) RunEventLoop(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	w := WakerFunc(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	for {
		ready, err := x.Poll(w)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// pollPendingOps drains completed async ops and delivers them to script in
// one batched call.
func (x *Runtime) pollPendingOps() error {
	release := x.state.guard.borrow()
	x.state.haveUnpolledOps = false
	release()

	var batch []opCompletion
	_, _ = longpoll.Drain(x.state.completions, -1, func(c opCompletion) error {
		batch = append(batch, c)
		return nil
	})
	if len(batch) == 0 {
		return nil
	}

	release = x.state.guard.borrow()
	for _, c := range batch {
		if c.unref {
			x.state.pendingUnrefOps--
		} else {
			x.state.pendingOps--
		}
	}
	release()

	args := make([]sobek.Value, 0, len(batch)*2)
	for _, c := range batch {
		args = append(args, x.vm.ToValue(c.promiseID), x.encodeResult(c.value, c.err))
	}
	if _, err := x.asyncReceiver(sobek.Undefined(), args...); err != nil {
		return x.errorFromEngine(err, false)
	}
	return nil
}

// drainMacrotasks calls the macrotask callback until it returns true.
func (x *Runtime) drainMacrotasks() error {
	if x.macrotask == nil {
		return nil
	}
	for {
		done, err := x.macrotask(sobek.Undefined())
		if err != nil {
			return x.errorFromEngine(err, false)
		}
		if done == nil || done.ToBoolean() {
			return nil
		}
	}
}

// checkPromiseRejections surfaces at most one unhandled rejection per tick,
// or, when logging, logs and drops all of them.
func (x *Runtime) checkPromiseRejections() error {
	for {
		release := x.state.guard.borrow()
		reason, ok := x.state.popRejection()
		release()
		if !ok {
			return nil
		}
		err := x.promiseError(reason, true)
		if x.rejectionMode != UnhandledRejectionsLog {
			return err
		}
		category := err.Name
		if _, allowed := x.rejectionLimiter.Allow(category); allowed {
			x.logger.Warning().
				Str("class", category).
				Err(err).
				Log("unhandled promise rejection")
		}
	}
}

// pollDynamicEvaluations settles finished dynamic evaluations. Settling one
// runs microtasks, which may finish an entry already passed over, so passes
// repeat until one settles nothing.
func (x *Runtime) pollDynamicEvaluations() {
	for x.pollDynamicEvaluationsOnce() {
	}
}

func (x *Runtime) pollDynamicEvaluationsOnce() (settled bool) {
	release := x.state.guard.borrow()
	queue := x.state.pendingDynEvaluate
	x.state.pendingDynEvaluate = nil
	release()

	var pending []*trackedEvaluation
	for _, ev := range queue {
		if x.pollEvaluation(ev) {
			settled = true
		} else {
			pending = append(pending, ev)
		}
	}

	release = x.state.guard.borrow()
	x.state.pendingDynEvaluate = append(pending, x.state.pendingDynEvaluate...)
	release()

	return settled
}

func (x *Runtime) pollTopLevelEvaluation() {
	release := x.state.guard.borrow()
	ev := x.state.pendingModEvaluate
	x.state.pendingModEvaluate = nil
	release()

	if ev == nil || x.pollEvaluation(ev) {
		return
	}

	release = x.state.guard.borrow()
	x.state.pendingModEvaluate = ev
	release()
}

// readiness decides whether the loop is done, stuck, or waiting.
func (x *Runtime) readiness() (bool, error) {
	release := x.state.guard.borrow()
	hasPendingOps := x.state.pendingOps > 0
	hasPendingDynEvaluation := len(x.state.pendingDynEvaluate) > 0
	hasPendingModEvaluation := x.state.pendingModEvaluate != nil
	haveUnpolledOps := x.state.haveUnpolledOps
	var pendingDynNames []string
	for _, ev := range x.state.pendingDynEvaluate {
		pendingDynNames = append(pendingDynNames, ev.name)
	}
	release()

	release = x.modules.guard.borrow()
	hasPendingDynImports := x.modules.pendingDynamicImports() > 0
	release()

	if !hasPendingOps && !hasPendingDynImports && !hasPendingDynEvaluation && !hasPendingModEvaluation {
		return true, nil
	}

	if haveUnpolledOps {
		x.waker.Wake()
	}

	if hasPendingModEvaluation && !hasPendingOps && !hasPendingDynImports && !hasPendingDynEvaluation {
		return false, ErrPendingModuleEvaluation
	}

	if hasPendingDynEvaluation && !hasPendingOps && !hasPendingDynImports {
		var b strings.Builder
		b.WriteString("Pending dynamic modules:")
		for _, name := range pendingDynNames {
			b.WriteString("\n- ")
			b.WriteString(name)
		}
		return false, fmt.Errorf("%w\n%s", ErrPendingDynamicEvaluation, b.String())
	}

	return false, nil
}
