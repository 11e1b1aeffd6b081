package core

import (
	"runtime/metrics"
	"sync"
	"time"
)

// NearHeapLimitCallback is called when the heap approaches the current
// ceiling, with that ceiling and the initial one. It returns the new
// ceiling; returning current or less leaves the guard re-arming at the same
// ceiling on the next sample.
type NearHeapLimitCallback func(current, initial uint64) uint64

// heapGuard samples the heap while a callback is installed. The Go heap is
// shared by the whole process, so the sample is an approximation of the
// usage of any one Runtime.
type heapGuard struct {
	sample   func() uint64
	cb       NearHeapLimitCallback
	stop     chan struct{}
	done     chan struct{}
	interval time.Duration
	limit    uint64
	initial  uint64
	gen      uint64
	mu       sync.Mutex
}

const heapObjectsMetric = "/memory/classes/heap/objects:bytes"

func newHeapGuard(limit uint64, interval time.Duration, sample func() uint64) *heapGuard {
	return &heapGuard{
		sample:   sample,
		interval: interval,
		limit:    limit,
		initial:  limit,
	}
}

// readHeapBytes returns the bytes occupied by live and unswept heap objects.
func readHeapBytes() uint64 {
	s := []metrics.Sample{{Name: heapObjectsMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}

// install replaces the callback, starting the sampler if needed.
func (x *heapGuard) install(cb NearHeapLimitCallback) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cb = cb
	x.gen++
	if x.stop == nil {
		x.stop = make(chan struct{})
		x.done = make(chan struct{})
		go x.run(x.stop, x.done)
	}
}

// remove clears the callback and resets the ceiling, stopping the sampler.
func (x *heapGuard) remove(limit uint64) {
	x.mu.Lock()
	x.cb = nil
	x.gen++
	if limit != 0 {
		x.limit = limit
	}
	stop, done := x.stop, x.done
	x.stop, x.done = nil, nil
	x.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (x *heapGuard) close() {
	x.remove(0)
}

func (x *heapGuard) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			x.check()
		}
	}
}

func (x *heapGuard) check() {
	current := x.sample()

	x.mu.Lock()
	cb, gen, limit, initial := x.cb, x.gen, x.limit, x.initial
	x.mu.Unlock()
	if cb == nil || current < limit {
		return
	}

	next := cb(limit, initial)

	x.mu.Lock()
	// a callback installed while this one ran keeps its own ceiling
	if x.gen == gen && next > x.limit {
		x.limit = next
	}
	x.mu.Unlock()
}

func (x *heapGuard) currentLimit() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.limit
}

// AddNearHeapLimitCallback installs cb, replacing any callback installed
// previously. cb is called from a background goroutine.
func (x *Runtime) AddNearHeapLimitCallback(cb NearHeapLimitCallback) {
	x.assertUsable()
	if cb == nil {
		panic("jsruntime: nil near heap limit callback")
	}
	x.heap.install(cb)
}

// RemoveNearHeapLimitCallback removes the installed callback, if any, and
// sets the heap ceiling to heapLimit (zero keeps the current ceiling).
func (x *Runtime) RemoveNearHeapLimitCallback(heapLimit uint64) {
	x.assertUsable()
	x.heap.remove(heapLimit)
}
