package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/itzcole03/recompute-core/internal/engine"
	"github.com/itzcole03/recompute-core/internal/load"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Run the computational load stress harness",
	Long:  "Injects a burst of recompute events at a multiple of the baseline rate into an isolated bus and load controller. Exits non-zero when major events are dropped or delayed, or the queue exceeds its bound.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		multiplier, _ := cmd.Flags().GetFloat64("multiplier")
		duration, _ := cmd.Flags().GetDuration("duration")
		baseline, _ := cmd.Flags().GetFloat64("baseline")
		seed, _ := cmd.Flags().GetUint64("seed")
		format, _ := cmd.Flags().GetString("format")

		eng, err := engine.New(cfg, engine.Options{})
		if err != nil {
			return err
		}

		report, err := eng.StressTestComputationalControl(cmd.Context(), load.StressConfig{
			Baseline:   baseline,
			Multiplier: multiplier,
			Duration:   duration,
			Seed:       seed,
		})
		if err != nil {
			return eris.Wrap(err, "stress")
		}

		if err := writeReport(os.Stdout, format, report); err != nil {
			return err
		}
		if !report.Passed {
			return eris.Errorf("stress: %s", strings.Join(report.Failures, "; "))
		}
		return nil
	},
}

func init() {
	stressCmd.Flags().Float64("multiplier", 10, "injection rate as a multiple of the baseline")
	stressCmd.Flags().Duration("duration", 0, "injection duration (default 2s)")
	stressCmd.Flags().Float64("baseline", 0, "baseline events/sec (default from config)")
	stressCmd.Flags().Uint64("seed", 42, "random seed")
	stressCmd.Flags().String("format", "json", "output format: json or yaml")
	rootCmd.AddCommand(stressCmd)
}
