package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/islishude/inxcore/internal/cli"
	"github.com/islishude/inxcore/internal/config"
	"github.com/islishude/inxcore/internal/logging"
	"github.com/islishude/inxcore/internal/runner"
)

func main() {
	opts, err := cli.Parse(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "inx: %v\n", err)
		os.Exit(runner.ExitFatal)
	}
	if opts.Help {
		_, _ = fmt.Fprint(os.Stdout, cli.HelpText(filepath.Base(os.Args[0])))
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "inx: %v\n", err)
		os.Exit(runner.ExitFatal)
	}
	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "inx: %v\n", err)
		os.Exit(runner.ExitFatal)
	}

	basectx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	result := runner.New(basectx, cfg, log, os.Stdout, os.Stderr).Run(basectx, opts)
	if result.Err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "inx: %v\n", result.Err)
	}
	cancel()
	os.Exit(result.ExitCode)
}
