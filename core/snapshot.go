package core

import (
	"fmt"

	"github.com/grafana/sobek"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	snapshotMagic   = "jsrt"
	snapshotVersion = 1
	snapshotEngine  = "sobek"
)

// top-level fields
const (
	fieldMagic   protowire.Number = 1
	fieldVersion protowire.Number = 2
	fieldEngine  protowire.Number = 3
	fieldEntry   protowire.Number = 4
)

// entry fields, one of
const (
	fieldScript   protowire.Number = 1
	fieldModule   protowire.Number = 2
	fieldEvaluate protowire.Number = 3
)

// script, module and evaluate fields
const (
	fieldName       protowire.Number = 1
	fieldCode       protowire.Number = 2
	fieldMain       protowire.Number = 3
	fieldResolution protowire.Number = 4
	fieldRequest    protowire.Number = 1
	fieldCanonical  protowire.Number = 2
)

type (
	snapshotEntryKind int

	// snapshotEntry is one replayable step of snapshot-building mode.
	snapshotEntry struct {
		resolved map[string]string
		name     string
		code     string
		requests []string
		kind     snapshotEntryKind
		main     bool
	}

	// snapshotBuilder records everything that mutates the heap while a
	// Runtime is in snapshot-building mode.
	snapshotBuilder struct {
		entries []snapshotEntry
	}

	// snapshotJournal is a decoded snapshot.
	snapshotJournal struct {
		entries []snapshotEntry
	}
)

const (
	entryScript snapshotEntryKind = iota + 1
	entryModule
	entryEvaluate
)

func (x *snapshotBuilder) addScript(name, code string) {
	x.entries = append(x.entries, snapshotEntry{kind: entryScript, name: name, code: code})
}

func (x *snapshotBuilder) addModule(name, code string, main bool, requests []string, resolved map[string]string) {
	x.entries = append(x.entries, snapshotEntry{
		kind:     entryModule,
		name:     name,
		code:     code,
		main:     main,
		requests: append([]string(nil), requests...),
		resolved: resolved,
	})
}

func (x *snapshotBuilder) addEvaluate(name string) {
	x.entries = append(x.entries, snapshotEntry{kind: entryEvaluate, name: name})
}

// Snapshot serializes the runtime for use as [Options.StartupSnapshot]. It
// may only be called in snapshot-building mode, and the runtime can't run
// script afterwards; it must still be closed.
//
// The result records what was executed, not the heap. Each restore runs it
// again, including any ops it calls.
func (x *Runtime) Snapshot() ([]byte, error) {
	x.assertUsable()
	if x.builder == nil {
		panic("jsruntime: Snapshot requires Options.WillSnapshot")
	}

	x.asyncReceiver = nil
	x.macrotask = nil

	release := x.modules.guard.borrow()
	loader := x.modules.loader
	release()
	x.modules = newModuleTable(loader)

	x.hasSnapshotted = true

	b := x.builder.encode()

	x.logger.Debug().
		Int("entries", len(x.builder.entries)).
		Int("bytes", len(b)).
		Log("snapshot created")

	return b, nil
}

func (x *snapshotBuilder) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, snapshotMagic)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, snapshotVersion)
	b = protowire.AppendTag(b, fieldEngine, protowire.BytesType)
	b = protowire.AppendString(b, snapshotEngine)
	for _, e := range x.entries {
		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e.encode())
	}
	return b
}

func (x snapshotEntry) encode() []byte {
	var body []byte
	body = protowire.AppendTag(body, fieldName, protowire.BytesType)
	body = protowire.AppendString(body, x.name)
	switch x.kind {
	case entryScript:
		body = protowire.AppendTag(body, fieldCode, protowire.BytesType)
		body = protowire.AppendString(body, x.code)
	case entryModule:
		body = protowire.AppendTag(body, fieldCode, protowire.BytesType)
		body = protowire.AppendString(body, x.code)
		if x.main {
			body = protowire.AppendTag(body, fieldMain, protowire.VarintType)
			body = protowire.AppendVarint(body, 1)
		}
		for _, req := range x.requests {
			var r []byte
			r = protowire.AppendTag(r, fieldRequest, protowire.BytesType)
			r = protowire.AppendString(r, req)
			r = protowire.AppendTag(r, fieldCanonical, protowire.BytesType)
			r = protowire.AppendString(r, x.resolved[req])
			body = protowire.AppendTag(body, fieldResolution, protowire.BytesType)
			body = protowire.AppendBytes(body, r)
		}
	}

	var field protowire.Number
	switch x.kind {
	case entryScript:
		field = fieldScript
	case entryModule:
		field = fieldModule
	default:
		field = fieldEvaluate
	}
	var b []byte
	b = protowire.AppendTag(b, field, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// decodeSnapshot parses a snapshot, failing with [ErrInvalidSnapshot].
func decodeSnapshot(b []byte) (*snapshotJournal, error) {
	var (
		journal snapshotJournal
		magic   string
		engine  string
		version uint64
	)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == fieldMagic && typ == protowire.BytesType:
			magic = string(v)
		case num == fieldVersion && typ == protowire.VarintType:
			version = n
		case num == fieldEngine && typ == protowire.BytesType:
			engine = string(v)
		case num == fieldEntry && typ == protowire.BytesType:
			if magic != snapshotMagic {
				return fmt.Errorf("bad magic %q", magic)
			}
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			journal.entries = append(journal.entries, e)
		}
		return nil
	})
	switch {
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	case magic != snapshotMagic:
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidSnapshot, magic)
	case version != snapshotVersion:
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, version)
	case engine != snapshotEngine:
		return nil, fmt.Errorf("%w: built for engine %q", ErrInvalidSnapshot, engine)
	}
	return &journal, nil
}

func decodeEntry(b []byte) (snapshotEntry, error) {
	var e snapshotEntry
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldScript:
			e.kind = entryScript
		case fieldModule:
			e.kind = entryModule
		case fieldEvaluate:
			e.kind = entryEvaluate
		default:
			return nil
		}
		return consumeFields(v, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
			switch {
			case num == fieldName && typ == protowire.BytesType:
				e.name = string(v)
			case num == fieldCode && typ == protowire.BytesType:
				e.code = string(v)
			case num == fieldMain && typ == protowire.VarintType:
				e.main = n != 0
			case num == fieldResolution && typ == protowire.BytesType:
				var req, canonical string
				if err := consumeFields(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
					switch num {
					case fieldRequest:
						req = string(v)
					case fieldCanonical:
						canonical = string(v)
					}
					return nil
				}); err != nil {
					return err
				}
				if e.resolved == nil {
					e.resolved = make(map[string]string)
				}
				e.requests = append(e.requests, req)
				e.resolved[req] = canonical
			}
			return nil
		})
	})
	if err != nil {
		return e, err
	}
	if e.kind == 0 {
		return e, fmt.Errorf("empty entry")
	}
	if e.kind == entryModule && e.resolved == nil {
		e.resolved = make(map[string]string)
	}
	return e, nil
}

// consumeFields calls fn for every field of the message b. Length-delimited
// values are passed as v, varints as n.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var (
			v   []byte
			u   uint64
			err error
		)
		switch typ {
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		case protowire.VarintType:
			u, n = protowire.ConsumeVarint(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if err = fn(num, typ, v, u); err != nil {
			return err
		}
	}
	return nil
}

// replaySnapshot restores a journal onto a freshly constructed runtime,
// with every extension op already registered.
func (x *Runtime) replaySnapshot(journal *snapshotJournal) error {
	for _, e := range journal.entries {
		var err error
		switch e.kind {
		case entryScript:
			if _, err = x.vm.RunScript(e.name, e.code); err != nil {
				err = x.errorFromEngine(err, false)
			}
		case entryModule:
			if _, ok := x.ModuleByName(e.name); !ok {
				_, err = x.registerModule(e.name, e.code, MediaKindJavaScript, e.main, e.resolved)
			}
		case entryEvaluate:
			err = x.replayEvaluate(e.name)
		}
		if err != nil {
			return fmt.Errorf("%w: replaying %s: %w", ErrInvalidSnapshot, e.name, err)
		}
	}
	x.logger.Debug().
		Int("entries", len(journal.entries)).
		Log("snapshot restored")
	return nil
}

// replayEvaluate evaluates a module restored from a snapshot. Evaluation
// must complete without driving the event loop.
func (x *Runtime) replayEvaluate(name string) error {
	id, ok := x.ModuleByName(name)
	if !ok {
		return &ModuleError{Cause: ErrModuleNotFound, Specifier: name}
	}
	if err := x.Instantiate(id); err != nil {
		return err
	}
	info, _ := x.moduleState(id)
	if info.status != ModuleInstantiated {
		return nil
	}

	promise, err := x.evaluateRecord(info.record)
	if err != nil {
		x.modules.setStatus(id, ModuleErrored, err)
		return err
	}
	release := x.state.guard.borrow()
	x.state.track(promise)
	release()
	defer func() {
		release := x.state.guard.borrow()
		x.state.untrack(promise)
		release()
	}()

	if err := x.runMicrotasks(); err != nil {
		return err
	}
	switch promise.State() {
	case sobek.PromiseStateFulfilled:
		x.modules.setGraphStatus(id, ModuleEvaluated)
		return nil
	case sobek.PromiseStateRejected:
		err := x.promiseError(promise.Result(), false)
		x.modules.setStatus(id, ModuleErrored, err)
		return err
	default:
		return fmt.Errorf("module %s did not finish evaluating", name)
	}
}
