package loader

import (
	"context"
	"sync"

	"github.com/joeycumines/go-jsruntime/core"
)

// Memory serves module sources from memory. It is safe for concurrent use.
type Memory struct {
	modules map[string]string
	mu      sync.RWMutex
}

var _ core.ModuleLoader = (*Memory)(nil)

// NewMemory returns a loader serving modules, keyed by specifier. Keys are
// resolved without a referrer, so "main.js" and "file:///main.js" are the
// same module.
func NewMemory(modules map[string]string) (*Memory, error) {
	x := &Memory{modules: make(map[string]string, len(modules))}
	for specifier, code := range modules {
		if err := x.Set(specifier, code); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Set adds or replaces a module.
func (x *Memory) Set(specifier, code string) error {
	canonical, err := Resolve(specifier, "")
	if err != nil {
		return err
	}
	x.mu.Lock()
	x.modules[canonical] = code
	x.mu.Unlock()
	return nil
}

func (x *Memory) Resolve(specifier, referrer string, _ bool) (string, error) {
	return Resolve(specifier, referrer)
}

func (x *Memory) Load(ctx context.Context, specifier, _ string, _ bool) (*core.ModuleSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	code, ok := x.modules[specifier]
	x.mu.RUnlock()
	if !ok {
		return nil, notFound(specifier, nil)
	}
	return &core.ModuleSource{
		Specifier: specifier,
		Code:      code,
		MediaKind: MediaKind(specifier),
	}, nil
}
