package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/reliabledb/pkg/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many items each stage has processed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig([]string{})
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		state, err := store.OpenState(ctx, cfg.Store.StatePath)
		if err != nil {
			return fatalErr(err)
		}
		defer state.Close()

		counts, err := state.Counts(ctx)
		if err != nil {
			return fatalErr(err)
		}

		color.Cyan("State store %s", cfg.Store.StatePath)
		fmt.Printf("  references          %d\n", counts.References)
		fmt.Printf("  scraped ok          %d\n", counts.ScrapedOK)
		fmt.Printf("  scrape failed       %d\n", counts.ScrapeFailed)
		fmt.Printf("  scrape skipped      %d\n", counts.ScrapeSkipped)
		fmt.Printf("  summarized ok       %d\n", counts.SummarizedOK)
		fmt.Printf("  summarize failed    %d\n", counts.SummarizeFailed)

		vectors, err := openVectors(ctx, cfg)
		if err != nil {
			color.Yellow("Vector store unavailable: %v", err)
			return nil
		}
		defer vectors.Close()
		warnMetricMismatch(cfg, vectors)
		color.Cyan("Vector store (%s, %s)", cfg.Store.VectorBackend, vectors.Metric())
		fmt.Printf("  records             %d\n", recordCount(ctx, vectors))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
