// Package cli implements the deepmath command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/tendant/deepmath-pipeline/internal/dataset"
	"github.com/tendant/deepmath-pipeline/internal/workflows"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitPrepareFailed = 1
	ExitUsage         = 2
)

// Tutorial is printed by --tutorial
const Tutorial = `
Deepmath tutorial

Hello from Deepmath! Deepmath is an alternative implementation of
"Deep Learning for Symbolic Mathematics". Its neural network can solve
a variety of integration and differentiation problems.

Follow the easy steps below to get started.

Step 1: Get the dataset

    deepmath --prepare

Step 2: Train the model

    deepmath --train_to "model.dat"

Step 3: Use the model to solve

    deepmath --load "model.dat" --input "equations.yml" --predict

Note that you can choose to not specify the --input option, if that
is the case, then deepmath will solve a default set of equations.
`

// Welcome is printed when no arguments are given
const Welcome = "\nWelcome to Deepmath! Run deepmath --tutorial to start.\n"

// Options are the parsed command line switches
type Options struct {
	Welcome  bool
	Debug    bool
	Prepare  bool
	Tutorial bool
	TrainTo  string
	Predict  string
}

// Mode returns the dataset mode selected by --debug
func (o *Options) Mode() dataset.Mode {
	return dataset.ModeFromDebugFlag(o.Debug)
}

// Parse parses args (without the program name). Both the long and the
// single-letter spelling of each flag are accepted.
func Parse(args []string, stderr io.Writer) (*Options, error) {
	opts := &Options{}
	if len(args) == 0 {
		opts.Welcome = true
		return opts, nil
	}

	fs := flag.NewFlagSet("deepmath", flag.ContinueOnError)
	fs.SetOutput(stderr)
	boolFlag(fs, &opts.Debug, "debug", "d", "Toggles debug mode for verbose output and the small dataset")
	boolFlag(fs, &opts.Prepare, "prepare", "p", "Download training and test data")
	boolFlag(fs, &opts.Tutorial, "tutorial", "q", "Shows the Deepmath tutorial")
	stringFlag(fs, &opts.TrainTo, "train_to", "t", "Train model and save model to a file")
	stringFlag(fs, &opts.Predict, "predict", "c", "Uses trained model to predict")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func boolFlag(fs *flag.FlagSet, p *bool, long, short, usage string) {
	fs.BoolVar(p, long, false, usage)
	fs.BoolVar(p, short, false, "shorthand for --"+long)
}

func stringFlag(fs *flag.FlagSet, p *string, long, short, usage string) {
	fs.StringVar(p, long, "", usage)
	fs.StringVar(p, short, "", "shorthand for --"+long)
}

// Preparer runs the dataset preparation pipeline
type Preparer interface {
	Run(ctx context.Context, mode dataset.Mode) (*workflows.PrepareResult, error)
}

// App runs the actions selected on the command line
type App struct {
	out      io.Writer
	logger   *slog.Logger
	preparer Preparer
}

// NewApp creates an App writing user output to out
func NewApp(out io.Writer, logger *slog.Logger, preparer Preparer) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{out: out, logger: logger, preparer: preparer}
}

// Run performs every selected action in order. A failed prepare is logged
// and the remaining actions still run; it is reflected in the exit code only.
func (a *App) Run(ctx context.Context, opts *Options) int {
	if opts.Welcome {
		fmt.Fprint(a.out, Welcome)
		return ExitSuccess
	}

	code := ExitSuccess

	if opts.Tutorial {
		fmt.Fprint(a.out, Tutorial)
	}

	if opts.Prepare {
		mode := opts.Mode()
		a.logger.Info("beginning data preparation", "mode", mode.String())
		res, err := a.preparer.Run(ctx, mode)
		if err != nil {
			a.logger.Error("data preparation failed", "error", err)
			code = ExitPrepareFailed
			if errors.Is(err, context.Canceled) {
				return code
			}
		} else {
			a.logger.Info("finished data preparation", "workdir", res.Workdir, "files", len(res.Files))
		}
	}

	if opts.TrainTo != "" {
		a.logger.Info("training to file is not yet done", "mode", opts.Mode().String(), "file", opts.TrainTo)
	}
	if opts.Predict != "" {
		a.logger.Info("prediction is not yet done", "mode", opts.Mode().String())
	}

	return code
}
