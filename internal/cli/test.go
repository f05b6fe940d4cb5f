package cli

import (
	"github.com/spf13/cobra"

	"github.com/harrier-ml/harrier/internal/trainer"
)

var testCmd = &cobra.Command{
	Use:   "test <config.yaml>",
	Short: "Validate the models a training run produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := trainer.LoadConfig(args[0])
		if err != nil {
			return err
		}
		return trainer.Test(cfg)
	},
}

func init() {
	rootCmd.AddCommand(testCmd)
}
