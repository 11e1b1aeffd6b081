package core

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type (
	// Extension is a pluggable unit applied once, in order, when a [Runtime]
	// is constructed.
	Extension struct {
		// State is called once with the shared op state.
		State func(state *OpState) error

		// Middleware wraps every op registered on the runtime, including
		// ops of other extensions. Middleware of later extensions wraps that
		// of earlier ones.
		Middleware func(name string, fn OpFn) OpFn

		Name string

		// JS is evaluated as classic scripts, in order, before any user
		// code. It is not evaluated when restoring from a snapshot.
		JS []SourceFile

		Ops []OpDecl
	}

	// SourceFile is a named JavaScript source.
	SourceFile struct {
		Specifier string
		Code      string
	}
)

func builtinExtension(printer *printer) Extension {
	return Extension{
		Name: "core",
		JS:   []SourceFile{{Specifier: "host:core/core.js", Code: coreJS}},
		Ops: []OpDecl{
			{Name: "op_print", Fn: printer.opPrint},
			{Name: "op_resources", Fn: opResources},
			{Name: "op_close", Fn: opClose},
			{Name: "op_format_file_name", Fn: opFormatFileName},
		},
	}
}

func opResources(state *OpState, _ Payload) Op {
	out := make(map[string]any)
	for _, e := range state.Resources().Entries() {
		out[strconv.FormatUint(uint64(e.ID), 10)] = e.Name
	}
	return Sync(out, nil)
}

func opClose(state *OpState, payload Payload) Op {
	var rid uint32
	if err := payload.Decode(&rid); err != nil {
		return Sync(nil, err)
	}
	return Sync(nil, state.Resources().Close(ResourceID(rid)))
}

func opFormatFileName(_ *OpState, payload Payload) Op {
	var name string
	if err := payload.Decode(&name); err != nil {
		return Sync(nil, err)
	}
	return Sync(strings.TrimPrefix(name, "file://"), nil)
}

// applyExtensions registers ops (with the composed middleware) and runs the
// state initializers, in registration order.
func (x *Runtime) applyExtensions() error {
	var middleware []func(string, OpFn) OpFn
	for _, ext := range x.extensions {
		if ext.Middleware != nil {
			middleware = append(middleware, ext.Middleware)
		}
	}
	x.middleware = middleware
	for _, ext := range x.extensions {
		for _, op := range ext.Ops {
			x.RegisterOp(op.Name, op.Fn)
		}
	}
	for _, ext := range x.extensions {
		if ext.State == nil {
			continue
		}
		if err := ext.State(x.opState); err != nil {
			return fmt.Errorf("extension %q: state init: %w", ext.Name, err)
		}
	}
	return nil
}

// runExtensionJS evaluates the bootstrap sources of every extension.
func (x *Runtime) runExtensionJS() error {
	for _, ext := range x.extensions {
		for _, src := range ext.JS {
			if _, err := x.Execute(src.Specifier, src.Code); err != nil {
				return fmt.Errorf("extension %q: %s: %w", ext.Name, src.Specifier, err)
			}
		}
	}
	return nil
}

// printer implements op_print; Options.Stdout and Options.Stderr may be nil.
type printer struct {
	stdout, stderr io.Writer
}

func (x *printer) opPrint(_ *OpState, payload Payload) Op {
	var args struct {
		Msg   string `json:"msg"`
		IsErr bool   `json:"isErr"`
	}
	if err := payload.Decode(&args); err != nil {
		return Sync(nil, err)
	}
	w := x.stdout
	if args.IsErr {
		w = x.stderr
	}
	if w == nil {
		return Sync(nil, nil)
	}
	if _, err := w.Write([]byte(args.Msg)); err != nil {
		return Sync(nil, WrapOpError("Error", err))
	}
	return Sync(nil, nil)
}

var errNoExtensionName = errors.New("extension name must not be empty")

func validateExtensions(exts []Extension) error {
	seen := map[string]struct{}{"core": {}}
	for _, ext := range exts {
		if ext.Name == "" {
			return errNoExtensionName
		}
		if _, ok := seen[ext.Name]; ok {
			return fmt.Errorf("duplicate extension %q", ext.Name)
		}
		seen[ext.Name] = struct{}{}
	}
	return nil
}
