package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// mapLoader serves modules from a map, keyed by canonical specifier.
// Specifiers resolve by prefixing "file:///" to bare names.
type mapLoader struct {
	mu      sync.Mutex
	modules map[string]string
	loads   []string
	delay   time.Duration
}

func newMapLoader(modules map[string]string) *mapLoader {
	return &mapLoader{modules: modules}
}

func (x *mapLoader) Resolve(specifier, _ string, _ bool) (string, error) {
	if strings.HasPrefix(specifier, "file:///") {
		return specifier, nil
	}
	return "file:///" + strings.TrimPrefix(specifier, "./"), nil
}

func (x *mapLoader) Load(ctx context.Context, specifier, _ string, _ bool) (*ModuleSource, error) {
	if x.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(x.delay):
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.loads = append(x.loads, specifier)
	code, ok := x.modules[specifier]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, specifier)
	}
	src := &ModuleSource{Specifier: specifier, Code: code}
	if strings.HasSuffix(specifier, ".json") {
		src.MediaKind = MediaKindJSON
	}
	return src, nil
}

func (x *mapLoader) loadCount(specifier string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	var n int
	for _, v := range x.loads {
		if v == specifier {
			n++
		}
	}
	return n
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// evalMain loads, instantiates and evaluates the main module, driving the
// event loop until the evaluation settles.
func evalMain(ctx context.Context, t *testing.T, rt *Runtime, specifier string) error {
	t.Helper()
	id, err := rt.LoadMainModule(ctx, specifier, nil)
	if err != nil {
		return err
	}
	result := rt.EvaluateModule(id)
	if err := rt.RunEventLoop(ctx); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	default:
		t.Fatal("evaluation did not settle")
		return nil
	}
}
