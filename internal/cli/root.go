// Package cli implements the harrier command-line interface using
// Cobra: train a model from a job config, or validate the models a
// run produced.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "harrier",
	Short: "harrier — distributed boosting trainer",
	Long: `harrier grows an ensemble of boosted shallow trees over data too
large to keep in memory, across worker machines coordinated by a head node.

A job is described by a YAML config; the same file drives training and
validation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
