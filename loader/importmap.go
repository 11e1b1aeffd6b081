package loader

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/joeycumines/go-jsruntime/core"
)

// ImportMap rewrites specifiers before resolving them with another loader.
// An exact key match wins, then the longest key ending in "/" that prefixes
// the specifier.
type ImportMap struct {
	loader   core.ModuleLoader
	exact    map[string]string
	prefixes []string
	imports  map[string]string
}

var (
	_ core.ModuleLoader   = (*ImportMap)(nil)
	_ core.ModulePreparer = (*ImportMap)(nil)
)

// NewImportMap wraps loader with the given imports. Keys ending in "/" must
// map to values ending in "/".
func NewImportMap(loader core.ModuleLoader, imports map[string]string) (*ImportMap, error) {
	x := &ImportMap{
		loader:  loader,
		exact:   make(map[string]string),
		imports: make(map[string]string, len(imports)),
	}
	for key, target := range imports {
		if key == "" {
			return nil, fmt.Errorf("import map: empty key")
		}
		if strings.HasSuffix(key, "/") {
			if !strings.HasSuffix(target, "/") {
				return nil, fmt.Errorf("import map: target of %q must end with /: %q", key, target)
			}
			x.prefixes = append(x.prefixes, key)
		} else {
			x.exact[key] = target
		}
		x.imports[key] = target
	}
	sort.Slice(x.prefixes, func(i, j int) bool {
		if len(x.prefixes[i]) != len(x.prefixes[j]) {
			return len(x.prefixes[i]) > len(x.prefixes[j])
		}
		return x.prefixes[i] < x.prefixes[j]
	})
	return x, nil
}

// Rewrite returns the mapped form of specifier, and whether it was mapped.
func (x *ImportMap) Rewrite(specifier string) (string, bool) {
	if target, ok := x.exact[specifier]; ok {
		return target, true
	}
	for _, prefix := range x.prefixes {
		if strings.HasPrefix(specifier, prefix) {
			return x.imports[prefix] + specifier[len(prefix):], true
		}
	}
	return specifier, false
}

func (x *ImportMap) Resolve(specifier, referrer string, isMain bool) (string, error) {
	if mapped, ok := x.Rewrite(specifier); ok {
		// targets are relative to the root, not the importing module
		return x.loader.Resolve(mapped, "", isMain)
	}
	return x.loader.Resolve(specifier, referrer, isMain)
}

func (x *ImportMap) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (*core.ModuleSource, error) {
	return x.loader.Load(ctx, specifier, referrer, isDynamic)
}

func (x *ImportMap) Prepare(ctx context.Context, specifier, referrer string, isDynamic bool) error {
	if p, ok := x.loader.(core.ModulePreparer); ok {
		return p.Prepare(ctx, specifier, referrer, isDynamic)
	}
	return nil
}
