package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/ardysactl/internal/ui/progress"
	"github.com/bnema/ardysactl/internal/ui/styles"
)

var cdnCmd = &cobra.Command{
	Use:   "cdn",
	Short: "Inspect the download mirrors",
}

var cdnProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Measure every mirror and print the ranking",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sel := newSelector(cfg)
		defer sel.Close()

		progress.PrintTitle("Probing mirrors")
		probeErr := sel.Initialize(cmd.Context())
		for i, e := range sel.Ranked() {
			rate := "-"
			if e.Live {
				rate = progress.FormatBytes(int64(e.Throughput)) + "/s"
			}
			fmt.Printf("  %d. %-14s %-10s %-12s %s\n", i+1, e.Name,
				styles.FormatLatency(e.Live, e.Latency.Milliseconds()),
				rate, styles.MutedText.Render(e.BaseURL))
		}
		return probeErr
	},
}

func init() {
	cdnCmd.AddCommand(cdnProbeCmd)
	rootCmd.AddCommand(cdnCmd)
}
