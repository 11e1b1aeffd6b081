package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joeycumines/go-jsruntime/core"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// snapshotCommand executes scripts in order, drives the event loop until
// idle, then writes a snapshot that "run -snapshot" restores.
func snapshotCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		out     = flags.String("o", "", "Output file (required)")
		verbose = flags.Bool("v", false, "Log debug output to stderr")
	)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &exitError{code: 2}
	}
	if *out == "" {
		return usageError("snapshot: -o is required")
	}
	if flags.NArg() == 0 {
		return usageError("snapshot: expected at least one script")
	}

	var logger *logiface.Logger[logiface.Event]
	if *verbose {
		logger = stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
			stumpy.L.WithLevel(logiface.LevelDebug),
		).Logger()
	}

	rt, err := core.New(core.Options{
		Logger:       logger,
		Stdout:       stdout,
		Stderr:       stderr,
		Extensions:   extensions(),
		WillSnapshot: true,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, file := range flags.Args() {
		code, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if _, err := rt.Execute("host:snapshot/"+filepath.Base(file), string(code)); err != nil {
			return fmt.Errorf("snapshot: %s: %w", file, err)
		}
	}
	if err := rt.RunEventLoop(ctx); err != nil {
		return err
	}

	blob, err := rt.Snapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(*out, blob, 0o644); err != nil {
		return err
	}

	logger.Info().
		Str("file", *out).
		Int("bytes", len(blob)).
		Log("snapshot written")

	return nil
}
