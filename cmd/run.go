package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/session"
)

var (
	defines []string // -D name=value definitions
	metas   []string // -M name=value metadata
	runs    int      // Overrides config.runs
)

// runCmd loads a job and executes it.
var runCmd = &cobra.Command{
	Use:   "run CONFIG...",
	Short: "Run a performance test job",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildSession(args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		// A second signal kills the process.
		context.AfterFunc(ctx, stop)

		res, err := s.Run(ctx)
		if res != nil {
			logrus.Infof("%d run(s), %d phase(s), %d indicator(s)", len(res.Runs), len(res.Phases), len(res.Indicators))
		}
		return err
	},
}

// checkCmd builds every component of a job without running it.
var checkCmd = &cobra.Command{
	Use:   "check CONFIG...",
	Short: "Validate a job configuration",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := buildSession(args); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "%v: ok\n", args)
		return err
	},
}

// buildSession loads the configuration files and builds the session with
// the command line overrides.
func buildSession(paths []string) (*session.Session, error) {
	defs, err := config.ParseAssignments(defines)
	if err != nil {
		return nil, &usageError{fmt.Errorf("-D: %w", err)}
	}
	meta, err := config.ParseAssignments(metas)
	if err != nil {
		return nil, &usageError{fmt.Errorf("-M: %w", err)}
	}
	if runs < 0 {
		return nil, &usageError{fmt.Errorf("--runs must not be negative, got %d", runs)}
	}

	cfg, err := config.Load(paths, defs)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("configuration from %v", cfg.Sources)
	s, err := session.New(cfg, session.Options{Runs: runs, Meta: meta, Clock: driver.WallClock})
	if err != nil {
		return nil, err
	}
	traces = s.Bus().Registry()
	return s, nil
}

func init() {
	for _, c := range []*cobra.Command{runCmd, checkCmd} {
		c.Flags().StringArrayVarP(&defines, "define", "D", nil, "Definition name=value, overrides define: in the configuration")
		c.Flags().StringArrayVarP(&metas, "meta", "M", nil, "Metadata name=value attached to the results")
		c.Flags().IntVar(&runs, "runs", 0, "Number of runs, overrides config.runs")
	}
	rootCmd.AddCommand(runCmd, checkCmd)
}
