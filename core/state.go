package core

import (
	"sync"

	"github.com/grafana/sobek"
)

type (
	// Waker is notified when the runtime should be polled again. It may be
	// called from any goroutine, any number of times.
	Waker interface {
		Wake()
	}

	// WakerFunc adapts a function to [Waker].
	WakerFunc func()

	// atomicWaker holds the waker registered by the most recent tick.
	atomicWaker struct {
		waker Waker
		mu    sync.Mutex
	}

	opCompletion struct {
		value     any
		err       error
		promiseID int64
		unref     bool
	}

	// runtimeState is the bookkeeping reachable both from Runtime methods and
	// from engine callbacks. Every access goes through guard.
	runtimeState struct {
		guard borrowGuard

		// completions receives results of async ops, from their goroutines.
		completions chan opCompletion

		// pendingModEvaluate is the single top-level evaluation slot.
		pendingModEvaluate *trackedEvaluation

		pendingRejections     map[*sobek.Promise]sobek.Value
		pendingRejectionOrder []*sobek.Promise

		// trackedPromises are evaluation promises whose rejection is reported
		// by the evaluation itself, never through the rejection table.
		trackedPromises map[*sobek.Promise]struct{}

		pendingDynEvaluate []*trackedEvaluation

		pendingOps      int
		pendingUnrefOps int

		haveUnpolledOps bool
	}
)

// Wake calls fn.
func (fn WakerFunc) Wake() { fn() }

func (x *atomicWaker) register(w Waker) {
	x.mu.Lock()
	x.waker = w
	x.mu.Unlock()
}

func (x *atomicWaker) Wake() {
	x.mu.Lock()
	w := x.waker
	x.mu.Unlock()
	if w != nil {
		w.Wake()
	}
}

func newRuntimeState() *runtimeState {
	return &runtimeState{
		guard:             borrowGuard{name: "runtime state"},
		completions:       make(chan opCompletion, 256),
		pendingRejections: make(map[*sobek.Promise]sobek.Value),
		trackedPromises:   make(map[*sobek.Promise]struct{}),
	}
}

// addRejection records an unhandled rejection, unless the promise belongs
// to a tracked evaluation.
func (x *runtimeState) addRejection(p *sobek.Promise, reason sobek.Value) {
	if _, ok := x.trackedPromises[p]; ok {
		return
	}
	if _, ok := x.pendingRejections[p]; !ok {
		x.pendingRejectionOrder = append(x.pendingRejectionOrder, p)
	}
	x.pendingRejections[p] = reason
}

func (x *runtimeState) removeRejection(p *sobek.Promise) {
	if _, ok := x.pendingRejections[p]; !ok {
		return
	}
	delete(x.pendingRejections, p)
	for i, v := range x.pendingRejectionOrder {
		if v == p {
			x.pendingRejectionOrder = append(x.pendingRejectionOrder[:i], x.pendingRejectionOrder[i+1:]...)
			break
		}
	}
}

// popRejection removes the oldest unhandled rejection.
func (x *runtimeState) popRejection() (sobek.Value, bool) {
	if len(x.pendingRejectionOrder) == 0 {
		return nil, false
	}
	p := x.pendingRejectionOrder[0]
	x.pendingRejectionOrder = x.pendingRejectionOrder[1:]
	reason := x.pendingRejections[p]
	delete(x.pendingRejections, p)
	return reason, true
}

// track marks p as owned by an evaluation, dropping any rejection already
// recorded for it.
func (x *runtimeState) track(p *sobek.Promise) {
	x.trackedPromises[p] = struct{}{}
	x.removeRejection(p)
}

func (x *runtimeState) untrack(p *sobek.Promise) {
	delete(x.trackedPromises, p)
}
