// Package cli implements the pqmatrix command line.
//
//	pqmatrix run    --config pipeline.yaml [--workers N] [--timeout S] [--override-gate]
//	pqmatrix plan   --config pipeline.yaml
//	pqmatrix report --config pipeline.yaml [--events FILE] [--out DIR]
//
// Exit codes: 0 when no cell failed, 1 for blocking cell failures or an
// interrupted run, 2 for configuration and usage errors, 4 for internal
// errors.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pqmatrix/internal/logging"
	"pqmatrix/internal/pipeline"
	"pqmatrix/internal/report"
)

// Result is what a command invocation produced.
type Result struct {
	ExitCode int
	Summary  *pipeline.Summary
	Report   *report.Report
}

type app struct {
	stdout io.Writer
	stderr io.Writer

	verbose bool
	logJSON bool
	logger  *zap.Logger

	result Result
}

// Run parses args (without argv[0]) and executes the selected command.
// The returned error is for display; the exit code is in Result.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (res Result, err error) {
	a := &app{stdout: stdout, stderr: stderr}
	defer func() {
		if r := recover(); r != nil {
			res = Result{ExitCode: ExitInternalError}
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		a.result.ExitCode = ExitCode(err)
		return a.result, err
	}
	return a.result, nil
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "pqmatrix",
		Short:         "Build, verify, test and benchmark PQC implementations across a platform matrix",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: a.verbose, JSON: a.logJSON, Output: a.stderr})
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "log as JSON lines")

	root.AddCommand(a.runCommand(), a.planCommand(), a.reportCommand())
	return root
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return invalidInvocationf("unexpected arguments: %q", args)
	}
	return nil
}

func requireConfig(path string) error {
	if path == "" {
		return invalidInvocationf("--config is required")
	}
	return nil
}
