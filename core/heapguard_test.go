package core

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapGuard_replacesCallback(t *testing.T) {
	var heap atomic.Uint64
	heap.Store(150)
	g := newHeapGuard(100, time.Hour, heap.Load)
	defer g.close()

	var first, second atomic.Int32
	g.install(func(current, initial uint64) uint64 {
		first.Add(1)
		return current
	})
	g.install(func(current, initial uint64) uint64 {
		second.Add(1)
		assert.Equal(t, uint64(100), current)
		assert.Equal(t, uint64(100), initial)
		return current * 2
	})

	g.check()
	assert.Zero(t, first.Load())
	assert.Equal(t, int32(1), second.Load())
	assert.Equal(t, uint64(200), g.currentLimit())

	// below the raised ceiling
	g.check()
	assert.Equal(t, int32(1), second.Load())

	g.remove(50)
	assert.Equal(t, uint64(50), g.currentLimit())
	g.check()
	assert.Equal(t, int32(1), second.Load())
}

func TestHeapGuard_lowerResultKeepsCeiling(t *testing.T) {
	g := newHeapGuard(100, time.Hour, func() uint64 { return 100 })
	defer g.close()
	var calls atomic.Int32
	g.install(func(current, _ uint64) uint64 {
		calls.Add(1)
		return current / 2
	})
	g.check()
	g.check()
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, uint64(100), g.currentLimit())
}

func TestRuntime_nearHeapLimitCallback(t *testing.T) {
	rt := newTestRuntime(t, Options{HeapLimit: 1, HeapSampleInterval: time.Millisecond})

	called := make(chan [2]uint64, 1)
	rt.AddNearHeapLimitCallback(func(current, initial uint64) uint64 {
		select {
		case called <- [2]uint64{current, initial}:
		default:
		}
		return current << 40
	})

	select {
	case got := <-called:
		assert.Equal(t, [2]uint64{1, 1}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("near heap limit callback was not called")
	}

	rt.RemoveNearHeapLimitCallback(1 << 30)
	assert.Equal(t, uint64(1<<30), rt.heap.currentLimit())
}

func TestReadHeapBytes(t *testing.T) {
	require.NotZero(t, readHeapBytes())
}
