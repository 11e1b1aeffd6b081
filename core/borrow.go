package core

import (
	"sync/atomic"
)

// borrowGuard grants exclusive, short-lived access to state that engine
// callbacks can reach re-entrantly. A conflicting borrow is a bug and panics
// rather than deadlocking. Borrows must never be held across a call into the
// engine.
type borrowGuard struct {
	name string
	held atomic.Bool
}

func (x *borrowGuard) borrow() (release func()) {
	if !x.held.CompareAndSwap(false, true) {
		panic("jsruntime: " + x.name + " already borrowed")
	}
	return x.release
}

func (x *borrowGuard) release() {
	if !x.held.CompareAndSwap(true, false) {
		panic("jsruntime: " + x.name + " released while not borrowed")
	}
}
