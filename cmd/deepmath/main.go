package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendant/deepmath-pipeline/internal/cli"
	"github.com/tendant/deepmath-pipeline/internal/config"
	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
	"github.com/tendant/deepmath-pipeline/pkg/pipeline"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := cli.Parse(args, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitSuccess
		}
		fmt.Fprintln(os.Stderr, err)
		return cli.ExitUsage
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var preparer cli.Preparer
	if opts.Prepare {
		cfg, err := config.Load()
		if err != nil {
			preparer = unconfigured{err: err}
		} else {
			preparer = workflows.NewPrepareWorkflowFromConfig(cfg, logger)
		}
	}

	// Interrupts cancel a running download
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return cli.NewApp(os.Stdout, logger, preparer).Run(ctx, opts)
}

// unconfigured fails every prepare with the configuration error so that the
// other selected actions still run.
type unconfigured struct {
	err error
}

func (u unconfigured) Run(ctx context.Context, mode dataset.Mode) (*workflows.PrepareResult, error) {
	return nil, &pipeline.RunError{Stage: pipeline.StageInit, Err: u.err}
}
