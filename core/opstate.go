package core

import (
	"io"
	"reflect"
	"sort"
	"sync"
)

type (
	// OpState is host state shared by ops. Values are keyed by their dynamic
	// type, one value per type. Async ops access it from their own
	// goroutines, so all methods are safe for concurrent use; the stored
	// values must provide their own synchronization if mutated.
	OpState struct {
		values    map[reflect.Type]any
		resources *ResourceTable
		mu        sync.RWMutex
	}

	// ResourceID identifies an entry of a [ResourceTable].
	ResourceID uint32

	// Resource is a host object exposed to script by id.
	Resource interface {
		// Name is reported by the op_resources op.
		Name() string
	}

	// ResourceTable maps ids to resources. Ids are never reused.
	ResourceTable struct {
		index  map[ResourceID]Resource
		nextID ResourceID
		mu     sync.Mutex
	}
)

func newOpState() *OpState {
	return &OpState{
		values:    make(map[reflect.Type]any),
		resources: &ResourceTable{index: make(map[ResourceID]Resource)},
	}
}

// Put stores val, replacing any value of the same dynamic type.
func (x *OpState) Put(val any) {
	if val == nil {
		panic("jsruntime: cannot put nil into op state")
	}
	x.mu.Lock()
	x.values[reflect.TypeOf(val)] = val
	x.mu.Unlock()
}

// Resources returns the resource table.
func (x *OpState) Resources() *ResourceTable {
	return x.resources
}

func (x *OpState) get(t reflect.Type) (any, bool) {
	x.mu.RLock()
	v, ok := x.values[t]
	x.mu.RUnlock()
	return v, ok
}

func (x *OpState) take(t reflect.Type) (any, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	v, ok := x.values[t]
	if ok {
		delete(x.values, t)
	}
	return v, ok
}

// TryBorrow returns the value of type T, if present.
func TryBorrow[T any](state *OpState) (T, bool) {
	v, ok := state.get(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Borrow returns the value of type T, panicking if it is absent.
func Borrow[T any](state *OpState) T {
	v, ok := TryBorrow[T](state)
	if !ok {
		panic("jsruntime: op state has no value of type " + reflect.TypeFor[T]().String())
	}
	return v
}

// Take removes and returns the value of type T, if present.
func Take[T any](state *OpState) (T, bool) {
	v, ok := state.take(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// Add stores r and returns its id.
func (x *ResourceTable) Add(r Resource) ResourceID {
	x.mu.Lock()
	defer x.mu.Unlock()
	id := x.nextID
	x.nextID++
	x.index[id] = r
	return id
}

// Get returns the resource with the given id.
func (x *ResourceTable) Get(id ResourceID) (Resource, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	r, ok := x.index[id]
	return r, ok
}

// Close removes the resource, closing it if it implements io.Closer.
func (x *ResourceTable) Close(id ResourceID) error {
	x.mu.Lock()
	r, ok := x.index[id]
	if ok {
		delete(x.index, id)
	}
	x.mu.Unlock()
	if !ok {
		return NewOpError("BadResource", "Bad resource ID")
	}
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ResourceEntry is an element of [ResourceTable.Entries].
type ResourceEntry struct {
	Name string
	ID   ResourceID
}

// Entries returns the open resources ordered by id.
func (x *ResourceTable) Entries() []ResourceEntry {
	x.mu.Lock()
	ids := make([]ResourceID, 0, len(x.index))
	for id := range x.index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ResourceEntry, len(ids))
	for i, id := range ids {
		out[i] = ResourceEntry{ID: id, Name: x.index[id].Name()}
	}
	x.mu.Unlock()
	return out
}

func (x *ResourceTable) closeAll() {
	x.mu.Lock()
	index := x.index
	x.index = make(map[ResourceID]Resource)
	x.mu.Unlock()
	for _, r := range index {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
