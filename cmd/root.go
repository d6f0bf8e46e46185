package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/perfdriver/driver"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitConfig  = 2
)

var (
	logLevel string // Log verbosity level
	verbose  bool   // Expand errors with their causal traces

	// traces resolves trace ids in verbose error output once a session
	// has been built.
	traces *driver.TraceRegistry
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           "perfdriver",
	Short:         "Event-driven performance test driver",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return &usageError{fmt.Errorf("invalid log level %q", logLevel)}
		}
		logrus.SetLevel(level)
		return nil
	},
}

// usageError is a command line mistake. It exits like a configuration
// error.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// ExitCode maps an error returned by a command to the process exit code.
func ExitCode(err error) int {
	var ue *usageError
	switch {
	case err == nil:
		return ExitOK
	case driver.IsConfigError(err), errors.As(err, &ue):
		return ExitConfig
	}
	return ExitRuntime
}

// Execute runs the CLI root command
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", driver.Describe(err, traces, verbose))
	}
	os.Exit(ExitCode(err))
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Report errors in full, with their causal trace chain")
}
