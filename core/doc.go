// Package core implements a host for an embedded JavaScript engine, built on
// [github.com/grafana/sobek]. A [Runtime] owns one engine instance, the ops
// script can call into Go, the ES module graph, and the state that connects
// asynchronous Go work back to script.
//
// The event loop is driven by the embedder, one non-blocking tick at a time,
// via [Runtime.Poll]. Each tick delivers completed async ops, runs the
// macrotask callback, surfaces unhandled promise rejections, advances
// dynamic imports, and reports whether any work remains. A tick that
// returns pending work registers the [Waker], which is notified once
// progress is possible. [Runtime.RunEventLoop] is the simple blocking
// driver; see package hostloop for one built on an event loop.
//
// Script reaches the host through Host.core, installed by the built-in
// extension:
//
//	Host.core.opSync("op_name", args)           // inline result or throw
//	await Host.core.opAsync("op_name", args)    // completes on a later tick
//	Host.core.opAsyncUnref("op_name", args)     // does not keep the loop alive
//
// Ops are registered through an [Extension] (or [Runtime.RegisterOp]), and
// are identified by dense integer ids that never change once assigned.
//
// A Runtime is single-threaded. Only the [IsolateHandle], used to terminate
// running script, may be used from other goroutines.
package core
