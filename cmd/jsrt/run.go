package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeycumines/go-jsruntime/config"
	"github.com/joeycumines/go-jsruntime/core"
	"github.com/joeycumines/go-jsruntime/ext/console"
	"github.com/joeycumines/go-jsruntime/ext/timers"
	"github.com/joeycumines/go-jsruntime/hostloop"
	"golang.org/x/sync/errgroup"
)

// errInterrupted is reported when script was terminated by a signal.
var errInterrupted = &exitError{err: errors.New("interrupted"), code: 130}

func extensions() []core.Extension {
	return []core.Extension{console.Extension(), timers.Extension()}
}

func runCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetOutput(stderr)
	var (
		configFile   = flags.String("config", "", "Path to a TOML config file")
		script       = flags.Bool("script", false, "Run the file as a classic script instead of a module")
		snapshotFile = flags.String("snapshot", "", "Startup snapshot to restore (overrides the config)")
		timeout      = flags.Duration("timeout", 0, "Terminate after this long (0 disables)")
	)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &exitError{code: 2}
	}
	if flags.NArg() != 1 {
		return usageError("run: expected exactly one file, got %d", flags.NArg())
	}
	file, err := filepath.Abs(flags.Arg(0))
	if err != nil {
		return err
	}

	cfg := new(config.Config)
	if *configFile != "" {
		if cfg, err = config.Load(*configFile); err != nil {
			return err
		}
	}
	if cfg.Modules.Root == "" {
		cfg.Modules.Root = filepath.Dir(file)
	}
	root, err := filepath.Abs(cfg.Path(cfg.Modules.Root))
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, file)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("run: %s is outside the module root %s", file, root)
	}
	specifier := "file:///" + filepath.ToSlash(rel)

	logger := cfg.Logger(stderr)
	opts, err := cfg.Options(logger)
	if err != nil {
		return err
	}
	if *snapshotFile != "" {
		if opts.StartupSnapshot, err = os.ReadFile(*snapshotFile); err != nil {
			return err
		}
	}
	opts.Stdout = stdout
	opts.Stderr = stderr
	opts.Extensions = extensions()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	host, err := hostloop.New(context.Background(), opts)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := host.Close(closeCtx); err != nil {
			logger.Warning().Err(err).Log("failed to close host")
		}
	}()

	logger.Debug().
		Str("specifier", specifier).
		Bool("script", *script).
		Log("running")

	// busy script ignores ctx, so cancellation also terminates it
	done := make(chan struct{})
	var g errgroup.Group
	g.Go(func() error {
		defer close(done)
		if *script {
			return runScript(ctx, host, specifier, file)
		}
		return host.RunMain(ctx, specifier, nil)
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-ctx.Done():
			host.Handle().TerminateExecution()
		}
		return nil
	})
	err = g.Wait()

	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("run: timed out after %s", *timeout)
		}
		return errInterrupted
	}
	return err
}

func runScript(ctx context.Context, host *hostloop.Host, specifier, file string) error {
	code, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	err = host.Do(ctx, func(rt *core.Runtime) error {
		_, err := rt.Execute(specifier, string(code))
		return err
	})
	if err != nil {
		return err
	}
	return host.RunEventLoop(ctx)
}
