package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateBaseline float64
	simulateActual   float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Score a synthetic series and dispatch the resulting alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateBaseline <= 0 {
			return errors.New("--baseline must be greater than 0")
		}

		return getApp().SimulateAlert(cmd.Context(), simulateBaseline, simulateActual)
	},
}

func init() {
	simulateCmd.Flags().Float64Var(&simulateBaseline, "baseline", 100, "Constant baseline value for the synthetic history")
	simulateCmd.Flags().Float64Var(&simulateActual, "actual", 1000, "Latest observation to score against the baseline")
}
