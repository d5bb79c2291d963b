// Package cmd holds the hrsi CLI. One process runs one command: the
// generic worker, one of the pipeline-constrained workers, or a job
// registry query.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eea/clms-hrsi-productionsystem-sub001/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "hrsi",
	Short: "Copernicus HR-S&I production worker",
	Long: `hrsi runs the High-Resolution Snow & Ice production chain: it claims
jobs from the job registry, stages satellite inputs, drives the
scientific tools and packages the resulting products.

Every processing command takes the worker parameters file, either as the
first argument or via --parameters_file.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.InitCLILogger("hrsi", rootVerbose)
	},
}

var rootVerbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug output")
}

// versionInfo is injected by the build via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records the build metadata shown by hrsi version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// codedError carries the process exit code alongside the cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	} else {
		err = fmt.Errorf("%s: %w", message, err)
	}
	return &codedError{code: code, err: err}
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		var ce *codedError
		if errors.As(err, &ce) {
			return ce.code
		}
		return 1
	}
	return 0
}
