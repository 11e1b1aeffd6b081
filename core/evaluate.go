package core

import (
	"fmt"

	"github.com/grafana/sobek"
)

// trackedEvaluation is an in-flight module evaluation. Top-level
// evaluations and dynamic imports differ only in how settle reports the
// outcome.
type trackedEvaluation struct {
	promise  *sobek.Promise
	settle   func(err error)
	name     string
	moduleID ModuleID
}

// Instantiate links id and its static dependencies. A module that failed
// to instantiate or evaluate returns the same error on every call.
func (x *Runtime) Instantiate(id ModuleID) error {
	x.assertUsable()

	info, ok := x.moduleState(id)
	switch {
	case !ok:
		return fmt.Errorf("%w: id %d", ErrModuleNotFound, id)
	case info.status == ModuleErrored:
		return info.err
	case info.status != ModuleUninstantiated:
		return nil
	}

	var linkErr error
	if err := x.callEngine(func() { linkErr = info.record.Link() }); err != nil {
		linkErr = err
	}
	if linkErr != nil {
		err := x.errorFromEngine(linkErr, false)
		x.modules.setStatus(id, ModuleErrored, err)
		return err
	}
	x.modules.setGraphStatus(id, ModuleInstantiated)
	return nil
}

// EvaluateModule starts evaluation of an instantiated module. The returned
// channel receives exactly one value, once the evaluation settles while
// driving the event loop. Only one top-level evaluation may be outstanding.
func (x *Runtime) EvaluateModule(id ModuleID) <-chan error {
	x.assertUsable()

	result := make(chan error, 1)

	info, ok := x.moduleState(id)
	switch {
	case !ok:
		result <- fmt.Errorf("%w: id %d", ErrModuleNotFound, id)
		close(result)
		return result
	case info.status == ModuleErrored:
		result <- info.err
		close(result)
		return result
	case info.status == ModuleUninstantiated:
		panic(fmt.Sprintf("jsruntime: module %q must be instantiated before evaluation", info.name))
	}

	release := x.state.guard.borrow()
	if x.state.pendingModEvaluate != nil {
		release()
		panic("jsruntime: a top-level module evaluation is already pending")
	}
	release()

	promise, err := x.evaluateRecord(info.record)
	if err != nil {
		x.modules.setStatus(id, ModuleErrored, err)
		result <- err
		close(result)
		return result
	}

	ev := &trackedEvaluation{
		promise:  promise,
		moduleID: id,
		name:     info.name,
		settle: func(err error) {
			result <- err
			close(result)
		},
	}

	release = x.state.guard.borrow()
	x.state.removeRejection(promise)
	x.state.pendingModEvaluate = ev
	release()

	if err := x.suppressRejection(promise); err != nil {
		x.logger.Warning().Err(err).Log("failed to attach evaluation rejection handler")
	}

	if x.builder != nil {
		x.builder.addEvaluate(info.name)
	}

	if err := x.runMicrotasks(); err != nil {
		x.logger.Debug().Err(err).Log("microtask checkpoint failed after evaluation")
	}
	return result
}

// dynamicImportEvaluate starts evaluation of the root of a dynamic import.
// The outcome settles the import() promise. Its promise is excluded from
// the rejection table by tracking rather than by a handler.
func (x *Runtime) dynamicImportEvaluate(loadID LoadID, id ModuleID) {
	info, ok := x.moduleState(id)
	switch {
	case !ok:
		x.rejectDynamicImport(loadID, fmt.Errorf("%w: id %d", ErrModuleNotFound, id))
		return
	case info.status == ModuleErrored:
		x.rejectDynamicImport(loadID, info.err)
		return
	case info.status != ModuleInstantiated && info.status != ModuleEvaluated:
		x.rejectDynamicImport(loadID, fmt.Errorf("jsruntime: module %q is not instantiated", info.name))
		return
	}

	promise, err := x.evaluateRecord(info.record)
	if err != nil {
		x.modules.setStatus(id, ModuleErrored, err)
		x.rejectDynamicImport(loadID, err)
		return
	}

	ev := &trackedEvaluation{
		promise:  promise,
		moduleID: id,
		name:     info.name,
		settle: func(err error) {
			if err != nil {
				x.rejectDynamicImport(loadID, err)
				return
			}
			x.resolveDynamicImport(loadID, info.record)
		},
	}

	release := x.state.guard.borrow()
	x.state.track(promise)
	x.state.pendingDynEvaluate = append(x.state.pendingDynEvaluate, ev)
	release()

	if x.builder != nil {
		x.builder.addEvaluate(info.name)
	}

	if err := x.runMicrotasks(); err != nil {
		x.logger.Debug().Err(err).Log("microtask checkpoint failed after evaluation")
	}
}

func (x *Runtime) evaluateRecord(record *sobek.SourceTextModuleRecord) (promise *sobek.Promise, err error) {
	if e := x.callEngine(func() {
		promise = x.vm.CyclicModuleRecordEvaluate(record, x.resolveModule)
	}); e != nil {
		return nil, x.errorFromEngine(e, false)
	}
	if promise == nil {
		return nil, fmt.Errorf("jsruntime: module evaluation produced no promise")
	}
	return promise, nil
}

// suppressRejection attaches a no-op rejection handler to p.
func (x *Runtime) suppressRejection(p *sobek.Promise) error {
	obj := x.vm.ToValue(p).ToObject(x.vm)
	catch, ok := sobek.AssertFunction(obj.Get("catch"))
	if !ok {
		return fmt.Errorf("jsruntime: promise has no catch method")
	}
	_, err := catch(obj, x.vm.ToValue(func(sobek.FunctionCall) sobek.Value { return sobek.Undefined() }))
	return err
}

// pollEvaluation reports ev if its promise has settled.
func (x *Runtime) pollEvaluation(ev *trackedEvaluation) bool {
	var err error
	switch ev.promise.State() {
	case sobek.PromiseStatePending:
		return false
	case sobek.PromiseStateFulfilled:
		x.modules.setGraphStatus(ev.moduleID, ModuleEvaluated)
	case sobek.PromiseStateRejected:
		err = x.promiseError(ev.promise.Result(), false)
		x.modules.setStatus(ev.moduleID, ModuleErrored, err)
	}

	release := x.state.guard.borrow()
	x.state.untrack(ev.promise)
	release()

	ev.settle(err)
	return true
}

// ModuleNamespace returns the namespace object of an evaluated module.
func (x *Runtime) ModuleNamespace(id ModuleID) (*sobek.Object, error) {
	x.assertUsable()
	info, ok := x.moduleState(id)
	switch {
	case !ok:
		return nil, fmt.Errorf("%w: id %d", ErrModuleNotFound, id)
	case info.status == ModuleErrored:
		return nil, info.err
	case info.status == ModuleUninstantiated:
		return nil, fmt.Errorf("jsruntime: module %d is not instantiated", id)
	}
	return x.vm.NamespaceObjectFor(info.record), nil
}

// moduleState returns a copy of the record of id.
func (x *Runtime) moduleState(id ModuleID) (moduleInfo, bool) {
	release := x.modules.guard.borrow()
	defer release()
	info := x.modules.lookup(id)
	if info == nil {
		return moduleInfo{}, false
	}
	return *info, true
}
