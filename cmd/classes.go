package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inference-sim/perfdriver/driver/registry"

	// Built-in component classes.
	_ "github.com/inference-sim/perfdriver/driver/channel"
	_ "github.com/inference-sim/perfdriver/driver/observer"
	_ "github.com/inference-sim/perfdriver/driver/policy"
	_ "github.com/inference-sim/perfdriver/driver/reporter"
	_ "github.com/inference-sim/perfdriver/driver/task"
	_ "github.com/inference-sim/perfdriver/driver/tracker"
)

// classesCmd lists the registered component classes.
var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "List the available component classes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		all := registry.Classes()
		kinds := make([]string, 0, len(all))
		for k := range all {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", k, strings.Join(all[k], " ")); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(classesCmd)
}
