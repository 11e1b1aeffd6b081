package loader

import (
	"context"
	"sync"

	"github.com/joeycumines/go-jsruntime/core"
	"golang.org/x/sync/singleflight"
)

// Cached memoizes the sources of another loader. Concurrent loads of the
// same specifier share one call to the underlying loader. Failures are not
// cached.
type Cached struct {
	loader core.ModuleLoader
	cache  map[string]*core.ModuleSource
	group  singleflight.Group
	mu     sync.RWMutex
}

var (
	_ core.ModuleLoader   = (*Cached)(nil)
	_ core.ModulePreparer = (*Cached)(nil)
)

// NewCached wraps loader.
func NewCached(loader core.ModuleLoader) *Cached {
	return &Cached{
		loader: loader,
		cache:  make(map[string]*core.ModuleSource),
	}
}

func (x *Cached) Resolve(specifier, referrer string, isMain bool) (string, error) {
	return x.loader.Resolve(specifier, referrer, isMain)
}

// Load returns the cached source of specifier, loading it if needed.
// Concurrent callers share one load, which is detached from their
// cancellation; a caller whose ctx is done stops waiting without failing
// the others.
func (x *Cached) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (*core.ModuleSource, error) {
	if src, ok := x.get(specifier); ok {
		return src, nil
	}
	shared := context.WithoutCancel(ctx)
	ch := x.group.DoChan(specifier, func() (any, error) {
		if src, ok := x.get(specifier); ok {
			return src, nil
		}
		src, err := x.loader.Load(shared, specifier, referrer, isDynamic)
		if err != nil {
			return nil, err
		}
		x.mu.Lock()
		x.cache[specifier] = src
		x.mu.Unlock()
		return src, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.ModuleSource), nil
	}
}

func (x *Cached) Prepare(ctx context.Context, specifier, referrer string, isDynamic bool) error {
	if p, ok := x.loader.(core.ModulePreparer); ok {
		return p.Prepare(ctx, specifier, referrer, isDynamic)
	}
	return nil
}

// Forget drops specifier from the cache.
func (x *Cached) Forget(specifier string) {
	x.mu.Lock()
	delete(x.cache, specifier)
	x.mu.Unlock()
	x.group.Forget(specifier)
}

// Len returns the number of cached sources.
func (x *Cached) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.cache)
}

func (x *Cached) get(specifier string) (*core.ModuleSource, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	src, ok := x.cache[specifier]
	return src, ok
}
