package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/grafana/sobek"
	"github.com/joeycumines/go-utilpkg/jsonenc"
)

type (
	// ModuleID identifies a module registered with a [Runtime].
	ModuleID int

	// LoadID identifies a pending dynamic import.
	LoadID int

	// ModuleStatus is the lifecycle state of a module. Transitions are
	// monotonic: Uninstantiated, Instantiated, then Evaluated or Errored.
	ModuleStatus int

	// MediaKind is the kind of source returned by a [ModuleLoader].
	MediaKind int

	// ModuleSource is the result of [ModuleLoader.Load].
	ModuleSource struct {
		// Specifier is the final specifier of the module, which may differ
		// from the requested one (e.g. after a redirect).
		Specifier string
		Code      string
		MediaKind MediaKind
	}

	// ModuleLoader resolves and fetches module sources. Resolve is only
	// called from the goroutine driving the runtime. Load, and Prepare of a
	// [ModulePreparer], are called from background goroutines, and may be
	// called concurrently.
	ModuleLoader interface {
		// Resolve returns the canonical specifier for specifier, imported
		// from referrer (empty for the entry point or classic scripts).
		Resolve(specifier, referrer string, isMain bool) (string, error)

		// Load fetches the canonical specifier.
		Load(ctx context.Context, specifier, referrer string, isDynamic bool) (*ModuleSource, error)
	}

	// ModulePreparer is an optional extension of [ModuleLoader], called
	// before a dynamic import is loaded.
	ModulePreparer interface {
		Prepare(ctx context.Context, specifier, referrer string, isDynamic bool) error
	}

	// ModuleInfo describes a registered module.
	ModuleInfo struct {
		Name   string
		ID     ModuleID
		Status ModuleStatus
		Main   bool
	}

	moduleInfo struct {
		record *sobek.SourceTextModuleRecord
		err    error
		// resolved maps each requested specifier to its canonical form
		resolved map[string]string
		name     string
		requests []string
		id       ModuleID
		status   ModuleStatus
		main     bool
	}

	// moduleTable holds module records and the dynamic import streams.
	// Every access goes through guard.
	moduleTable struct {
		guard          borrowGuard
		loader         ModuleLoader
		byName         map[string]ModuleID
		byRecord       map[sobek.ModuleRecord]ModuleID
		dynamicImports map[LoadID]*dynamicImport
		loads          map[LoadID]*moduleLoad
		preparing      chan prepareResult
		infos          []*moduleInfo
		pendingPrepare int
		nextLoadID     LoadID
		hasMain        bool
	}

	// dynamicImport is an import() call awaiting its module.
	dynamicImport struct {
		referrer     any
		specifierVal sobek.Value
		capability   any
		specifier    string
		referrerName string
		id           LoadID
	}

	prepareResult struct {
		err       error
		specifier string
		id        LoadID
	}

	// moduleLoad fetches a root module and its static dependency graph.
	moduleLoad struct {
		ctx         context.Context
		cancel      context.CancelFunc
		wake        func()
		loader      ModuleLoader
		events      chan loadEvent
		visited     map[string]struct{}
		root        string
		referrer    string
		id          LoadID
		outstanding int
		dynamic     bool
		main        bool
	}

	loadEvent struct {
		source    *ModuleSource
		err       error
		specifier string
		referrer  string
	}

	noopModuleLoader struct{}
)

// Module statuses.
const (
	ModuleUninstantiated ModuleStatus = iota
	ModuleInstantiated
	ModuleEvaluated
	ModuleErrored
)

// Media kinds.
const (
	MediaKindJavaScript MediaKind = iota
	MediaKindJSON
)

var errModuleLoadingUnsupported = errors.New("module loading is not supported")

func (s ModuleStatus) String() string {
	switch s {
	case ModuleUninstantiated:
		return "uninstantiated"
	case ModuleInstantiated:
		return "instantiated"
	case ModuleEvaluated:
		return "evaluated"
	case ModuleErrored:
		return "errored"
	default:
		return fmt.Sprintf("ModuleStatus(%d)", int(s))
	}
}

func (noopModuleLoader) Resolve(specifier, referrer string, _ bool) (string, error) {
	return "", &ModuleError{Cause: errModuleLoadingUnsupported, Specifier: specifier, Referrer: referrer}
}

func (noopModuleLoader) Load(_ context.Context, specifier, referrer string, _ bool) (*ModuleSource, error) {
	return nil, &ModuleError{Cause: errModuleLoadingUnsupported, Specifier: specifier, Referrer: referrer}
}

func newModuleTable(loader ModuleLoader) *moduleTable {
	return &moduleTable{
		guard:          borrowGuard{name: "module table"},
		loader:         loader,
		byName:         make(map[string]ModuleID),
		byRecord:       make(map[sobek.ModuleRecord]ModuleID),
		dynamicImports: make(map[LoadID]*dynamicImport),
		loads:          make(map[LoadID]*moduleLoad),
		preparing:      make(chan prepareResult, 64),
	}
}

func (x *moduleTable) lookup(id ModuleID) *moduleInfo {
	if id < 0 || int(id) >= len(x.infos) {
		return nil
	}
	return x.infos[id]
}

// referrerName returns the name of the module that is the referrer of an
// engine callback, or "" for classic scripts.
func (x *moduleTable) referrerName(referrer any) string {
	if rec, ok := referrer.(sobek.ModuleRecord); ok {
		if id, ok := x.byRecord[rec]; ok {
			return x.infos[id].name
		}
	}
	return ""
}

// setStatus advances the status of a module, never moving backwards.
func (x *moduleTable) setStatus(id ModuleID, status ModuleStatus, err error) {
	release := x.guard.borrow()
	defer release()
	info := x.lookup(id)
	if info == nil || info.status == ModuleErrored || info.status == ModuleEvaluated || status <= info.status {
		return
	}
	info.status = status
	if status == ModuleErrored {
		info.err = err
	}
}

// setGraphStatus advances id and every module it statically depends on.
func (x *moduleTable) setGraphStatus(id ModuleID, status ModuleStatus) {
	release := x.guard.borrow()
	var ids []ModuleID
	seen := make(map[ModuleID]struct{})
	stack := []ModuleID{id}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		info := x.lookup(id)
		if info == nil {
			continue
		}
		ids = append(ids, id)
		for _, req := range info.requests {
			if dep, ok := x.byName[info.resolved[req]]; ok {
				stack = append(stack, dep)
			}
		}
	}
	release()
	for _, id := range ids {
		x.setStatus(id, status, nil)
	}
}

// pendingDynamicImports counts imports in the preparing or loading streams.
func (x *moduleTable) pendingDynamicImports() int {
	return x.pendingPrepare + len(x.loads)
}

// Module returns information about a registered module.
func (x *Runtime) Module(id ModuleID) (ModuleInfo, bool) {
	release := x.modules.guard.borrow()
	defer release()
	info := x.modules.lookup(id)
	if info == nil {
		return ModuleInfo{}, false
	}
	return ModuleInfo{ID: info.id, Name: info.name, Status: info.status, Main: info.main}, true
}

// ModuleByName returns the id of the module registered under the canonical
// specifier name.
func (x *Runtime) ModuleByName(name string) (ModuleID, bool) {
	release := x.modules.guard.borrow()
	defer release()
	id, ok := x.modules.byName[name]
	return id, ok
}

// LoadMainModule loads the main module and its static dependencies, then
// instantiates it. If code is non-nil it is used as the source of the main
// module instead of calling the loader. Only one main module may be loaded.
func (x *Runtime) LoadMainModule(ctx context.Context, specifier string, code *string) (ModuleID, error) {
	return x.loadModule(ctx, specifier, code, true)
}

// LoadSideModule is like [Runtime.LoadMainModule], for modules other than
// the main module.
func (x *Runtime) LoadSideModule(ctx context.Context, specifier string, code *string) (ModuleID, error) {
	return x.loadModule(ctx, specifier, code, false)
}

func (x *Runtime) loadModule(ctx context.Context, specifier string, code *string, main bool) (ModuleID, error) {
	x.assertUsable()

	canonical, err := x.modules.loader.Resolve(specifier, "", main)
	if err != nil {
		return -1, &ModuleError{Cause: err, Specifier: specifier}
	}

	release := x.modules.guard.borrow()
	hasMain := x.modules.hasMain
	release()
	if main && hasMain {
		return -1, fmt.Errorf("jsruntime: main module already loaded: %s", canonical)
	}

	load := x.newModuleLoad(ctx, canonical, "", false, main)
	defer load.cancel()

	if code != nil {
		if _, ok := x.ModuleByName(canonical); !ok {
			if _, err := x.registerModule(canonical, *code, MediaKindJavaScript, main, nil); err != nil {
				return -1, err
			}
		}
	}

	x.startLoad(load)
	for load.outstanding > 0 {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case ev := <-load.events:
			if err := x.handleLoadEvent(load, ev); err != nil {
				return -1, err
			}
		}
	}

	id, ok := x.ModuleByName(canonical)
	if !ok {
		return -1, &ModuleError{Cause: ErrModuleNotFound, Specifier: canonical}
	}
	return id, x.Instantiate(id)
}

func (x *Runtime) newModuleLoad(ctx context.Context, root, referrer string, dynamic, main bool) *moduleLoad {
	ctx, cancel := context.WithCancel(ctx)
	return &moduleLoad{
		ctx:      ctx,
		cancel:   cancel,
		wake:     x.waker.Wake,
		loader:   x.modules.loader,
		events:   make(chan loadEvent, 16),
		visited:  make(map[string]struct{}),
		root:     root,
		referrer: referrer,
		dynamic:  dynamic,
		main:     main,
	}
}

// startLoad visits the root, fetching it if it is not yet registered.
func (x *Runtime) startLoad(load *moduleLoad) {
	load.visited[load.root] = struct{}{}
	if id, ok := x.ModuleByName(load.root); ok {
		x.visitModule(load, id)
		return
	}
	load.fetch(load.root, load.referrer)
}

// visitModule fetches the unregistered static dependencies of id, and
// visits the registered ones.
func (x *Runtime) visitModule(load *moduleLoad, id ModuleID) {
	release := x.modules.guard.borrow()
	info := x.modules.lookup(id)
	var deps []string
	var name string
	if info != nil {
		name = info.name
		for _, req := range info.requests {
			deps = append(deps, info.resolved[req])
		}
	}
	release()

	for _, dep := range deps {
		if _, ok := load.visited[dep]; ok {
			continue
		}
		load.visited[dep] = struct{}{}
		if depID, ok := x.ModuleByName(dep); ok {
			x.visitModule(load, depID)
		} else {
			load.fetch(dep, name)
		}
	}
}

func (x *moduleLoad) fetch(specifier, referrer string) {
	x.outstanding++
	go func() {
		source, err := x.loader.Load(x.ctx, specifier, referrer, x.dynamic)
		if err == nil && source == nil {
			err = ErrModuleNotFound
		}
		select {
		case x.events <- loadEvent{source: source, err: err, specifier: specifier, referrer: referrer}:
		case <-x.ctx.Done():
			return
		}
		x.wake()
	}()
}

// handleLoadEvent registers a fetched module and continues with its
// dependencies.
func (x *Runtime) handleLoadEvent(load *moduleLoad, ev loadEvent) error {
	load.outstanding--
	if ev.err != nil {
		var modErr *ModuleError
		if errors.As(ev.err, &modErr) {
			return ev.err
		}
		return &ModuleError{Cause: ev.err, Specifier: ev.specifier, Referrer: ev.referrer}
	}

	name := ev.source.Specifier
	if name == "" {
		name = ev.specifier
	}
	id, ok := x.ModuleByName(name)
	if !ok {
		var err error
		main := load.main && ev.specifier == load.root
		if id, err = x.registerModule(name, ev.source.Code, ev.source.MediaKind, main, nil); err != nil {
			return err
		}
	}
	if name != ev.specifier {
		release := x.modules.guard.borrow()
		x.modules.byName[ev.specifier] = id
		release()
	}
	load.visited[name] = struct{}{}
	x.visitModule(load, id)
	return nil
}

// registerModule parses and records a module. If resolved is nil the
// requested specifiers are resolved through the loader.
func (x *Runtime) registerModule(name, code string, kind MediaKind, main bool, resolved map[string]string) (ModuleID, error) {
	if kind == MediaKindJSON {
		if !json.Valid([]byte(code)) {
			return -1, &ModuleError{Cause: errors.New("invalid JSON module"), Specifier: name}
		}
		// JSON.parse, unlike an object literal, keeps "__proto__" as an own key
		b := append([]byte("export default JSON.parse("), jsonenc.AppendString(nil, code)...)
		code = string(append(b, ");"...))
	}

	record, err := sobek.ParseModule(name, code, x.resolveModule)
	if err != nil {
		return -1, x.errorFromEngine(err, false)
	}
	requests := record.RequestedModules()

	if resolved == nil {
		resolved = make(map[string]string, len(requests))
		for _, req := range requests {
			canonical, err := x.modules.loader.Resolve(req, name, false)
			if err != nil {
				return -1, &ModuleError{Cause: err, Specifier: req, Referrer: name}
			}
			resolved[req] = canonical
		}
	}

	release := x.modules.guard.borrow()
	if id, ok := x.modules.byName[name]; ok {
		release()
		return id, nil
	}
	if main {
		if x.modules.hasMain {
			release()
			return -1, fmt.Errorf("jsruntime: main module already loaded: %s", name)
		}
		x.modules.hasMain = true
	}
	id := ModuleID(len(x.modules.infos))
	x.modules.infos = append(x.modules.infos, &moduleInfo{
		id:       id,
		name:     name,
		main:     main,
		record:   record,
		requests: requests,
		resolved: resolved,
	})
	x.modules.byName[name] = id
	x.modules.byRecord[record] = id
	release()

	if x.builder != nil {
		x.builder.addModule(name, code, main, requests, resolved)
	}

	x.logger.Debug().
		Str("module", name).
		Int("id", int(id)).
		Bool("main", main).
		Log("registered module")

	return id, nil
}

// resolveModule is the engine's static import resolution hook. It is
// called re-entrantly while linking.
func (x *Runtime) resolveModule(referrer any, specifier string) (sobek.ModuleRecord, error) {
	release := x.modules.guard.borrow()
	defer release()

	var referrerName string
	if rec, ok := referrer.(sobek.ModuleRecord); ok {
		if id, ok := x.modules.byRecord[rec]; ok {
			info := x.modules.infos[id]
			referrerName = info.name
			if canonical, ok := info.resolved[specifier]; ok {
				if depID, ok := x.modules.byName[canonical]; ok {
					return x.modules.infos[depID].record, nil
				}
			}
		}
	}

	canonical, err := x.modules.loader.Resolve(specifier, referrerName, false)
	if err != nil {
		return nil, &ModuleError{Cause: err, Specifier: specifier, Referrer: referrerName}
	}
	if id, ok := x.modules.byName[canonical]; ok {
		return x.modules.infos[id].record, nil
	}
	return nil, &ModuleError{Cause: ErrModuleNotFound, Specifier: canonical, Referrer: referrerName}
}

// finalizeImportMeta populates import.meta.
func (x *Runtime) finalizeImportMeta(meta *sobek.Object, record sobek.ModuleRecord) {
	release := x.modules.guard.borrow()
	var name string
	var main bool
	if id, ok := x.modules.byRecord[record]; ok {
		info := x.modules.infos[id]
		name, main = info.name, info.main
	}
	release()
	_ = meta.Set("url", name)
	_ = meta.Set("main", main)
}

// importModuleDynamically is the engine's import() hook. The import enters
// the preparing stream; Poll does the rest.
func (x *Runtime) importModuleDynamically(referrer any, specifier sobek.Value, capability any) {
	spec := specifier.String()

	release := x.modules.guard.borrow()
	referrerName := x.modules.referrerName(referrer)
	id := x.modules.nextLoadID
	x.modules.nextLoadID++
	x.modules.dynamicImports[id] = &dynamicImport{
		id:           id,
		referrer:     referrer,
		specifierVal: specifier,
		capability:   capability,
		specifier:    spec,
		referrerName: referrerName,
	}
	x.modules.pendingPrepare++
	loader := x.modules.loader
	preparing := x.modules.preparing
	release()

	x.logger.Debug().
		Str("specifier", spec).
		Str("referrer", referrerName).
		Int("load", int(id)).
		Log("dynamic import")

	// resolve here, on the runtime goroutine; only Prepare runs in background
	res := prepareResult{id: id}
	res.specifier, res.err = loader.Resolve(spec, referrerName, false)

	ctx := x.ctx
	go func() {
		if res.err == nil {
			if p, ok := loader.(ModulePreparer); ok {
				res.err = p.Prepare(ctx, res.specifier, referrerName, true)
			}
		}
		if res.err != nil {
			res.err = &ModuleError{Cause: res.err, Specifier: spec, Referrer: referrerName}
		}
		select {
		case preparing <- res:
		case <-ctx.Done():
			return
		}
		x.waker.Wake()
	}()

	x.waker.Wake()
}

// pollDynamicImports advances the preparing stream, then the loading
// stream, starting evaluation of every fully loaded import.
func (x *Runtime) pollDynamicImports() {
	x.pollPreparing()
	x.pollLoading()
}

func (x *Runtime) pollPreparing() {
	for {
		var res prepareResult
		select {
		case res = <-x.modules.preparing:
		default:
			return
		}

		release := x.modules.guard.borrow()
		x.modules.pendingPrepare--
		imp := x.modules.dynamicImports[res.id]
		release()
		if imp == nil {
			continue
		}
		if res.err != nil {
			x.rejectDynamicImport(res.id, res.err)
			continue
		}

		load := x.newModuleLoad(x.ctx, res.specifier, imp.referrerName, true, false)
		load.id = res.id
		release = x.modules.guard.borrow()
		x.modules.loads[res.id] = load
		release()
		x.startLoad(load)
	}
}

func (x *Runtime) pollLoading() {
	release := x.modules.guard.borrow()
	ids := make([]LoadID, 0, len(x.modules.loads))
	for id := range x.modules.loads {
		ids = append(ids, id)
	}
	release()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		release := x.modules.guard.borrow()
		load := x.modules.loads[id]
		release()

		err := x.drainLoad(load)
		if err == nil && load.outstanding > 0 {
			continue
		}

		release = x.modules.guard.borrow()
		delete(x.modules.loads, id)
		release()
		load.cancel()

		if err != nil {
			x.rejectDynamicImport(id, err)
			continue
		}

		rootID, ok := x.ModuleByName(load.root)
		if !ok {
			x.rejectDynamicImport(id, &ModuleError{Cause: ErrModuleNotFound, Specifier: load.root})
			continue
		}
		if err := x.Instantiate(rootID); err != nil {
			x.rejectDynamicImport(id, err)
			continue
		}
		x.dynamicImportEvaluate(id, rootID)
	}
}

// drainLoad handles every ready event of load, without blocking.
func (x *Runtime) drainLoad(load *moduleLoad) error {
	for load.outstanding > 0 {
		select {
		case ev := <-load.events:
			if err := x.handleLoadEvent(load, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}

// rejectDynamicImport rejects the import() promise of load id.
func (x *Runtime) rejectDynamicImport(id LoadID, err error) {
	release := x.modules.guard.borrow()
	imp := x.modules.dynamicImports[id]
	delete(x.modules.dynamicImports, id)
	release()
	if imp == nil {
		return
	}
	x.logger.Debug().
		Str("specifier", imp.specifier).
		Err(err).
		Log("dynamic import failed")
	x.finishDynamicImport(imp, nil, x.errorToValue(err))
}

// resolveDynamicImport resolves the import() promise of load id with the
// namespace of record.
func (x *Runtime) resolveDynamicImport(id LoadID, record sobek.ModuleRecord) {
	release := x.modules.guard.borrow()
	imp := x.modules.dynamicImports[id]
	delete(x.modules.dynamicImports, id)
	release()
	if imp == nil {
		return
	}
	x.finishDynamicImport(imp, record, nil)
}

func (x *Runtime) finishDynamicImport(imp *dynamicImport, record sobek.ModuleRecord, reason sobek.Value) {
	var errArg any
	if reason != nil {
		errArg = reason
	}
	err := x.callEngine(func() {
		x.vm.FinishLoadingImportModule(imp.referrer, imp.specifierVal, imp.capability, record, errArg)
	})
	if err == nil {
		err = x.runMicrotasks()
	}
	if err != nil {
		x.logger.Err().
			Str("specifier", imp.specifier).
			Err(err).
			Log("failed to settle dynamic import")
	}
}
