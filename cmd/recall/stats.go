package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/recall-ai/recall/pkg/config"
	"github.com/recall-ai/recall/pkg/tracker"
)

func newStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-model request and hit-rate statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			summaries, err := tr.Summary(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No request data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tHITS\tMISSES\tHIT RATE\tAVG LATENCY")
			for _, s := range summaries {
				rate := 0.0
				if s.Requests > 0 {
					rate = float64(s.Hits) / float64(s.Requests) * 100
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.1f%%\t%.0fms\n",
					s.Model, s.Requests, s.Hits, s.Misses, rate, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "recall.yaml", "path to config file")
	return cmd
}
