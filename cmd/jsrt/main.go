// Command jsrt runs JavaScript modules and scripts, and builds startup
// snapshots.
//
//	jsrt run [-config file] [-script] [-snapshot file] [-timeout d] <file>
//	jsrt snapshot -o out.bin <file...>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `Usage:
  jsrt run [-config file] [-script] [-snapshot file] [-timeout d] <file>
  jsrt snapshot -o out.bin <file...>
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Main(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// Main runs the command line args, returning the exit code.
func Main(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(ctx, args[1:], stdout, stderr)
	case "snapshot":
		err = snapshotCommand(ctx, args[1:], stdout, stderr)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "jsrt: unknown command %q\n%s", args[0], usage)
		return 2
	}

	var exitErr *exitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.As(err, &exitErr):
		if exitErr.err != nil {
			fmt.Fprintf(stderr, "jsrt: %v\n", exitErr.err)
		}
		return exitErr.code
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

// exitError carries a specific exit code.
type exitError struct {
	err  error
	code int
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{err: fmt.Errorf(format, args...), code: 2}
}
