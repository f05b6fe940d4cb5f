package cli

import (
	"github.com/spf13/cobra"

	"github.com/harrier-ml/harrier/internal/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train <config.yaml>",
	Short: "Train a boosted model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := trainer.LoadConfig(args[0])
		if err != nil {
			return err
		}
		return trainer.Train(cfg)
	},
}

func init() {
	rootCmd.AddCommand(trainCmd)
}
