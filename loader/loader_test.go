package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-jsruntime/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	for _, tc := range []struct {
		specifier string
		referrer  string
		want      string
		err       error
	}{
		{specifier: "main.js", want: "file:///main.js"},
		{specifier: "./main.js", want: "file:///main.js"},
		{specifier: "/abs/x.js", want: "file:///abs/x.js"},
		{specifier: "./b.js", referrer: "file:///dir/a.js", want: "file:///dir/b.js"},
		{specifier: "../b.js", referrer: "file:///dir/sub/a.js", want: "file:///dir/b.js"},
		{specifier: "/b.js", referrer: "file:///dir/a.js", want: "file:///b.js"},
		{specifier: "https://example.com/x.js", referrer: "file:///a.js", want: "https://example.com/x.js"},
		{specifier: "./y.js", referrer: "https://example.com/lib/x.js", want: "https://example.com/lib/y.js"},
		{specifier: "lodash", referrer: "file:///a.js", err: ErrBareSpecifier},
	} {
		t.Run(tc.specifier+"@"+tc.referrer, func(t *testing.T) {
			got, err := Resolve(tc.specifier, tc.referrer)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMediaKind(t *testing.T) {
	assert.Equal(t, core.MediaKindJSON, MediaKind("file:///data.JSON"))
	assert.Equal(t, core.MediaKindJavaScript, MediaKind("file:///main.mjs"))
	assert.Equal(t, core.MediaKindJavaScript, MediaKind("file:///data.json.js?x=.json"))
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m, err := NewMemory(map[string]string{
		"main.js":          `export {}`,
		"file:///lib.json": `{}`,
	})
	require.NoError(t, err)

	src, err := m.Load(ctx, "file:///main.js", "", false)
	require.NoError(t, err)
	if diff := cmp.Diff(&core.ModuleSource{Specifier: "file:///main.js", Code: `export {}`}, src); diff != "" {
		t.Errorf("unexpected source (-want +got):\n%s", diff)
	}

	src, err = m.Load(ctx, "file:///lib.json", "", false)
	require.NoError(t, err)
	assert.Equal(t, core.MediaKindJSON, src.MediaKind)

	_, err = m.Load(ctx, "file:///missing.js", "", false)
	assert.ErrorIs(t, err, core.ErrModuleNotFound)

	require.NoError(t, m.Set("./missing.js", "1"))
	_, err = m.Load(ctx, "file:///missing.js", "", false)
	assert.NoError(t, err)
}

func TestFS(t *testing.T) {
	ctx := context.Background()
	l := NewFS(fstest.MapFS{
		"main.js":         {Data: []byte(`import "./lib/a.js"`)},
		"lib/a.js":        {Data: []byte(`export const a = 1`)},
		"lib/data.json":   {Data: []byte(`[1]`)},
		"lib/nested/b.js": {Data: []byte(`export {}`)},
	})

	spec, err := l.Resolve("./a.js", "file:///lib/nested/../x.js", false)
	require.NoError(t, err)
	src, err := l.Load(ctx, spec, "", false)
	require.NoError(t, err)
	assert.Equal(t, "export const a = 1", src.Code)

	src, err = l.Load(ctx, "file:///lib/data.json", "", false)
	require.NoError(t, err)
	assert.Equal(t, core.MediaKindJSON, src.MediaKind)

	_, err = l.Load(ctx, "file:///nope.js", "", false)
	assert.ErrorIs(t, err, core.ErrModuleNotFound)

	_, err = l.Load(ctx, "https://example.com/x.js", "", false)
	assert.ErrorIs(t, err, ErrUnsupportedScheme)

	// escaping the root is clamped to it
	src, err = l.Load(ctx, "file:///../../main.js", "", false)
	require.NoError(t, err)
	assert.Equal(t, `import "./lib/a.js"`, src.Code)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Load(canceled, "file:///main.js", "", false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportMap(t *testing.T) {
	inner, err := NewMemory(map[string]string{
		"vendor/lodash/index.js": `export default "lodash"`,
		"vendor/lodash/fp.js":    `export default "fp"`,
		"std/path.js":            `export default "path"`,
	})
	require.NoError(t, err)

	m, err := NewImportMap(inner, map[string]string{
		"lodash":     "/vendor/lodash/index.js",
		"lodash/":    "/vendor/lodash/",
		"std/":       "/nowhere/",
		"std/path/x": "/unused.js",
		"@std/":      "/std/",
	})
	require.NoError(t, err)

	for specifier, want := range map[string]string{
		"lodash":       "file:///vendor/lodash/index.js",
		"lodash/fp.js": "file:///vendor/lodash/fp.js",
		"@std/path.js": "file:///std/path.js",
		"./local.js":   "file:///dir/local.js",
	} {
		got, err := m.Resolve(specifier, "file:///dir/main.js", false)
		require.NoError(t, err, specifier)
		assert.Equal(t, want, got, specifier)
	}

	_, err = m.Resolve("unmapped", "file:///dir/main.js", false)
	assert.ErrorIs(t, err, ErrBareSpecifier)

	_, err = NewImportMap(inner, map[string]string{"a/": "/b"})
	assert.Error(t, err)
}

// countingLoader blocks loads until released, counting calls.
type countingLoader struct {
	*Memory
	release chan struct{}
	calls   atomic.Int32
	fail    atomic.Bool
}

func (x *countingLoader) Load(ctx context.Context, specifier, referrer string, isDynamic bool) (*core.ModuleSource, error) {
	x.calls.Add(1)
	select {
	case <-x.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if x.fail.Load() {
		return nil, errors.New("transient")
	}
	return x.Memory.Load(ctx, specifier, referrer, isDynamic)
}

func TestCached_sharesConcurrentLoads(t *testing.T) {
	mem, err := NewMemory(map[string]string{"a.js": "export {}"})
	require.NoError(t, err)
	inner := &countingLoader{Memory: mem, release: make(chan struct{})}
	c := NewCached(inner)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*core.ModuleSource, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src, err := c.Load(context.Background(), "file:///a.js", "", false)
			assert.NoError(t, err)
			results[i] = src
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
	for _, src := range results {
		assert.Same(t, results[0], src)
	}
	assert.Equal(t, 1, c.Len())

	// cached
	_, err = c.Load(context.Background(), "file:///a.js", "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.calls.Load())

	c.Forget("file:///a.js")
	assert.Zero(t, c.Len())
	_, err = c.Load(context.Background(), "file:///a.js", "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCached_cancelDoesNotFailSharedLoad(t *testing.T) {
	mem, err := NewMemory(map[string]string{"a.js": "export {}"})
	require.NoError(t, err)
	inner := &countingLoader{Memory: mem, release: make(chan struct{})}
	c := NewCached(inner)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Load(ctx, "file:///a.js", "", false)
		first <- err
	}()
	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := c.Load(context.Background(), "file:///a.js", "", true)
		second <- err
	}()

	cancel()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled caller did not return")
	}

	close(inner.release)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shared load did not complete")
	}
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, 1, c.Len())
}

func TestCached_failuresNotCached(t *testing.T) {
	mem, err := NewMemory(map[string]string{"a.js": "export {}"})
	require.NoError(t, err)
	inner := &countingLoader{Memory: mem, release: make(chan struct{})}
	close(inner.release)
	inner.fail.Store(true)
	c := NewCached(inner)

	_, err = c.Load(context.Background(), "file:///a.js", "", false)
	require.Error(t, err)
	inner.fail.Store(false)
	_, err = c.Load(context.Background(), "file:///a.js", "", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestLoaders_withRuntime(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fsys := fstest.MapFS{
		"app/main.js": {Data: []byte(`
			import greet from "greet";
			import config from "./config.json";
			const { shout } = await import("./util/shout.js");
			globalThis.out = shout(greet(config.name));
		`)},
		"app/config.json":     {Data: []byte(`{"name": "world"}`)},
		"app/util/shout.js":   {Data: []byte(`export const shout = (s) => s.toUpperCase();`)},
		"vendor/greet/mod.js": {Data: []byte(`export default (name) => "hello " + name;`)},
	}
	l, err := NewImportMap(NewCached(NewFS(fsys)), map[string]string{"greet": "/vendor/greet/mod.js"})
	require.NoError(t, err)

	rt, err := core.New(core.Options{ModuleLoader: l})
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	defer rt.Close()

	id, err := rt.LoadMainModule(ctx, "/app/main.js", nil)
	require.NoError(t, err)
	result := rt.EvaluateModule(id)
	require.NoError(t, rt.RunEventLoop(ctx))
	require.NoError(t, <-result)

	v, err := rt.Execute("check.js", "out")
	require.NoError(t, err)
	assert.Equal(t, "HELLO WORLD", v.String())
}
