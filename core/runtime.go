package core

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/sobek"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/pbnjay/memory"
)

//go:embed core.js
var coreJS string

type (
	// Options configures a [Runtime]. The zero value is valid.
	Options struct {
		// ModuleLoader resolves and loads ES modules. Defaults to a loader
		// that fails every request.
		ModuleLoader ModuleLoader

		// Logger receives diagnostics. Nil disables logging.
		Logger *logiface.Logger[logiface.Event]

		// Stdout and Stderr receive Host.core.print output. Nil discards.
		Stdout io.Writer
		Stderr io.Writer

		// GetErrorClass maps op failures to the class name of the error
		// thrown in script. Defaults to the class of an [*OpError], or
		// "Error".
		GetErrorClass func(err error) string

		// RejectionLogRates limits how often rejections are logged under
		// [UnhandledRejectionsLog], per error class. Defaults to 10/s.
		RejectionLogRates map[time.Duration]int

		// Extensions are applied after the built-in core extension, in order.
		Extensions []Extension

		// StartupSnapshot restores state produced by [Runtime.Snapshot].
		// Mutually exclusive with WillSnapshot.
		//
		// Restoring replays the recorded scripts and module evaluations, so
		// ops they called while the snapshot was built are called again,
		// side effects included.
		StartupSnapshot []byte

		// HeapLimit is the initial heap ceiling passed to near heap limit
		// callbacks. Defaults to a quarter of physical memory.
		HeapLimit uint64

		// HeapSampleInterval is how often the heap is sampled while a near
		// heap limit callback is installed. Defaults to 5ms.
		HeapSampleInterval time.Duration

		// UnhandledRejections selects how Poll surfaces unhandled promise
		// rejections.
		UnhandledRejections UnhandledRejectionMode

		// WillSnapshot selects snapshot-building mode, enabling
		// [Runtime.Snapshot].
		WillSnapshot bool
	}

	// UnhandledRejectionMode selects how unhandled rejections are surfaced.
	UnhandledRejectionMode int

	// Runtime owns one JavaScript engine instance, the ops registered with
	// it, its modules and the event loop state that connects them.
	//
	// A Runtime is not safe for concurrent use. All methods, except those of
	// the [IsolateHandle] returned by [Runtime.Handle], must be called from
	// one goroutine at a time, and Poll must be called from the same
	// goroutine that executes script (e.g. the hostloop thread).
	Runtime struct {
		ctx              context.Context
		vm               *sobek.Runtime
		builder          *snapshotBuilder
		state            *runtimeState
		modules          *moduleTable
		ops              *opTable
		opState          *OpState
		logger           *logiface.Logger[logiface.Event]
		rejectionLimiter *catrate.Limiter
		hostCore         *sobek.Object
		asyncReceiver    sobek.Callable
		macrotask        sobek.Callable
		handle           *IsolateHandle
		heap             *heapGuard
		emptyProgram     *sobek.Program
		getErrorClass    func(error) string
		cancel           context.CancelFunc
		extensions       []Extension
		middleware       []func(string, OpFn) OpFn
		waker            atomicWaker
		ownership        isolateOwnership
		rejectionMode    UnhandledRejectionMode
		hasSnapshotted   bool
		closed           bool
	}

	// IsolateHandle requests termination of running script. It is the only
	// part of a [Runtime] that is safe to use from other goroutines.
	IsolateHandle struct {
		vm          *sobek.Runtime
		mu          sync.Mutex
		terminating atomic.Bool
	}

	// isolateOwnership records who releases the engine on Close.
	isolateOwnership int

	terminationSignal struct{}
)

const (
	// UnhandledRejectionsAbort makes Poll fail with the first unhandled
	// rejection, one per tick.
	UnhandledRejectionsAbort UnhandledRejectionMode = iota
	// UnhandledRejectionsLog logs unhandled rejections (rate limited) and
	// continues.
	UnhandledRejectionsLog
)

const (
	// isolateOwned: the Runtime releases the engine.
	isolateOwned isolateOwnership = iota
	// isolateBorrowedByBuilder: the snapshot builder owns the engine; it is
	// discarded before the engine is released.
	isolateBorrowedByBuilder
)

var (
	processInit         sync.Once
	processDefaultLimit uint64
)

func (terminationSignal) String() string { return terminatedMessage }

// initProcess performs process-wide initialization, once.
func initProcess() {
	processInit.Do(func() {
		processDefaultLimit = memory.TotalMemory() / 4
		if processDefaultLimit == 0 {
			processDefaultLimit = 1 << 30
		}
	})
}

// New constructs a Runtime, applying the built-in extension followed by
// opts.Extensions.
func New(opts Options) (*Runtime, error) {
	if opts.WillSnapshot && opts.StartupSnapshot != nil {
		panic("jsruntime: WillSnapshot and StartupSnapshot are mutually exclusive")
	}
	if err := validateExtensions(opts.Extensions); err != nil {
		return nil, err
	}

	var journal *snapshotJournal
	if opts.StartupSnapshot != nil {
		var err error
		if journal, err = decodeSnapshot(opts.StartupSnapshot); err != nil {
			return nil, err
		}
	}

	initProcess()

	ctx, cancel := context.WithCancel(context.Background())
	x := &Runtime{
		ctx:           ctx,
		cancel:        cancel,
		vm:            sobek.New(),
		state:         newRuntimeState(),
		ops:           newOpTable(),
		opState:       newOpState(),
		logger:        opts.Logger,
		getErrorClass: opts.GetErrorClass,
		rejectionMode: opts.UnhandledRejections,
	}
	if x.getErrorClass == nil {
		x.getErrorClass = defaultErrorClass
	}
	if opts.WillSnapshot {
		x.builder = &snapshotBuilder{}
		x.ownership = isolateBorrowedByBuilder
	}
	x.handle = &IsolateHandle{vm: x.vm}

	rates := opts.RejectionLogRates
	if rates == nil {
		rates = map[time.Duration]int{time.Second: 10}
	}
	x.rejectionLimiter = catrate.NewLimiter(rates)

	heapLimit := opts.HeapLimit
	if heapLimit == 0 {
		heapLimit = processDefaultLimit
	}
	interval := opts.HeapSampleInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	x.heap = newHeapGuard(heapLimit, interval, readHeapBytes)

	loader := opts.ModuleLoader
	if loader == nil {
		loader = noopModuleLoader{}
	}
	x.modules = newModuleTable(loader)

	if err := x.initEngine(); err != nil {
		x.Close()
		return nil, err
	}

	x.extensions = append([]Extension{builtinExtension(&printer{stdout: opts.Stdout, stderr: opts.Stderr})}, opts.Extensions...)

	if journal == nil {
		if err := x.runExtensionJS(); err != nil {
			x.Close()
			return nil, err
		}
	}
	if err := x.applyExtensions(); err != nil {
		x.Close()
		return nil, err
	}
	if journal != nil {
		// bootstrap JS is part of the journal, replayed with every op in place
		if err := x.replaySnapshot(journal); err != nil {
			x.Close()
			return nil, err
		}
	}
	if err := x.SyncOpsCache(); err != nil {
		x.Close()
		return nil, err
	}
	if err := x.captureAsyncReceiver(); err != nil {
		x.Close()
		return nil, err
	}

	x.logger.Debug().
		Int("extensions", len(x.extensions)).
		Int("ops", len(x.ops.ops)).
		Bool("snapshot", journal != nil).
		Log("runtime initialized")

	return x, nil
}

// initEngine installs the runtime scoped engine hooks and the native half
// of Host.core.
func (x *Runtime) initEngine() error {
	x.vm.SetFieldNameMapper(sobek.TagFieldNameMapper("json", true))
	x.vm.SetPromiseRejectionTracker(x.trackRejection)
	x.vm.SetImportModuleDynamically(x.importModuleDynamically)
	x.vm.SetFinalImportMeta(x.finalizeImportMeta)

	empty, err := sobek.Compile("host:microtask-checkpoint", "", true)
	if err != nil {
		return err
	}
	x.emptyProgram = empty

	host := x.vm.NewObject()
	core := x.vm.NewObject()
	for name, fn := range map[string]func(sobek.FunctionCall) sobek.Value{
		"opcall":               x.nativeOpcall,
		"opNames":              x.nativeOpNames,
		"setMacrotaskCallback": x.nativeSetMacrotaskCallback,
	} {
		if err := core.Set(name, fn); err != nil {
			return err
		}
	}
	if err := host.Set("core", core); err != nil {
		return err
	}
	if err := x.vm.Set("Host", host); err != nil {
		return err
	}
	x.hostCore = core
	return nil
}

func (x *Runtime) captureAsyncReceiver() error {
	fn, ok := sobek.AssertFunction(x.hostCore.Get("handleAsyncMsgFromHost"))
	if !ok {
		return fmt.Errorf("jsruntime: Host.core.handleAsyncMsgFromHost is not a function")
	}
	x.asyncReceiver = fn
	return nil
}

// Handle returns the thread-safe termination handle.
func (x *Runtime) Handle() *IsolateHandle {
	return x.handle
}

// Engine returns the underlying engine. It must only be used from the
// goroutine driving the Runtime.
func (x *Runtime) Engine() *sobek.Runtime {
	x.assertUsable()
	return x.vm
}

// OpState returns the op state shared by all ops.
func (x *Runtime) OpState() *OpState {
	return x.opState
}

// Logger returns the configured logger, which may be nil.
func (x *Runtime) Logger() *logiface.Logger[logiface.Event] {
	return x.logger
}

// Execute runs code as a classic script, returning its completion value.
// Exceptions are returned as [*JsError].
func (x *Runtime) Execute(name, code string) (sobek.Value, error) {
	x.assertUsable()
	v, err := x.vm.RunScript(name, code)
	if err != nil {
		return nil, x.errorFromEngine(err, false)
	}
	if x.builder != nil {
		x.builder.addScript(name, code)
	}
	return v, nil
}

// RegisterOp registers fn under name, wrapped by extension middleware, and
// returns its id. Script can only call it after [Runtime.SyncOpsCache].
func (x *Runtime) RegisterOp(name string, fn OpFn) OpID {
	for _, mw := range x.middleware {
		fn = mw(name, fn)
	}
	id := x.ops.register(name, fn)
	x.logger.Debug().
		Str("op", name).
		Int("id", int(id)).
		Log("registered op")
	return id
}

// SyncOpsCache refreshes the script-side name to id cache. It must be called
// after registering ops, before script calls them.
func (x *Runtime) SyncOpsCache() error {
	x.assertUsable()
	fn, ok := sobek.AssertFunction(x.hostCore.Get("syncOpsCache"))
	if !ok {
		return fmt.Errorf("jsruntime: Host.core.syncOpsCache is not a function")
	}
	if _, err := fn(sobek.Undefined()); err != nil {
		return x.errorFromEngine(err, false)
	}
	return nil
}

// OpID returns the id registered for name.
func (x *Runtime) OpID(name string) (OpID, bool) {
	id, ok := x.ops.byName[name]
	return id, ok
}

// CancelTerminateExecution clears a termination requested through the
// [IsolateHandle], making the runtime usable again.
func (x *Runtime) CancelTerminateExecution() {
	x.handle.mu.Lock()
	defer x.handle.mu.Unlock()
	x.handle.terminating.Store(false)
	if x.handle.vm != nil {
		x.handle.vm.ClearInterrupt()
	}
}

// Close releases the runtime. In-flight async ops have their context
// canceled, and their results are discarded.
func (x *Runtime) Close() error {
	if x.closed {
		return nil
	}
	x.closed = true
	x.cancel()
	x.heap.close()

	x.handle.mu.Lock()
	x.handle.vm = nil
	x.handle.mu.Unlock()

	x.opState.Resources().closeAll()

	if x.ownership == isolateBorrowedByBuilder {
		// the builder goes first, then the engine it was built on
		x.builder = nil
	}
	x.asyncReceiver = nil
	x.macrotask = nil
	x.hostCore = nil
	x.vm = nil
	return nil
}

func (x *Runtime) assertUsable() {
	if x.closed {
		panic(ErrRuntimeClosed)
	}
	if x.hasSnapshotted {
		panic("jsruntime: runtime used after Snapshot")
	}
}

// runMicrotasks drains the engine job queue.
func (x *Runtime) runMicrotasks() error {
	if _, err := x.vm.RunProgram(x.emptyProgram); err != nil {
		return x.errorFromEngine(err, false)
	}
	return nil
}

// callEngine runs fn, converting engine panics (interrupts, uncaught
// exceptions from Go entry points) into errors.
func (x *Runtime) callEngine(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case *sobek.InterruptedError:
				err = v
			case *sobek.Exception:
				err = v
			default:
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

// TerminateExecution interrupts running script. The interrupt stays armed,
// failing subsequent script execution, until the host calls
// [Runtime.CancelTerminateExecution]. It returns false if the runtime has
// been closed.
func (x *IsolateHandle) TerminateExecution() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.vm == nil {
		return false
	}
	x.terminating.Store(true)
	x.vm.Interrupt(terminationSignal{})
	return true
}

// IsExecutionTerminating reports whether termination has been requested
// and not yet canceled.
func (x *IsolateHandle) IsExecutionTerminating() bool {
	return x.terminating.Load()
}
