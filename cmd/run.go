package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/metrics"
	"github.com/xhad/reliabledb/pkg/pipeline"
	"go.uber.org/zap"
)

var (
	stagesFlag []string
	reprocess  bool
	strict     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline stages in order",
	Long: `Run the configured stages, or the ones named by --stages, in pipeline
order. Exit status is 0 on success, 1 when a stage failed fatally, 2 on
usage or configuration errors and 3 when items failed and
pipeline.fail_on_item_errors (or --strict) is set.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStages(cmd.Context(), stagesFlag)
	},
}

func stageCommand(stage, short string) *cobra.Command {
	return &cobra.Command{
		Use:   stage,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStages(cmd.Context(), []string{stage})
		},
	}
}

func init() {
	runCmd.Flags().StringSliceVar(&stagesFlag, "stages", nil, "comma separated stages to run (default: pipeline.stages)")

	cmds := []*cobra.Command{
		runCmd,
		stageCommand(pipeline.StageCollect, "Discover article urls through the search API"),
		stageCommand(pipeline.StageScrape, "Fetch and extract pending articles"),
		stageCommand(pipeline.StageSummarize, "Summarize scraped articles"),
		stageCommand(pipeline.StageIndex, "Embed summaries into the vector store"),
	}
	for _, c := range cmds {
		c.Flags().BoolVar(&reprocess, "reprocess", false, "re-select items that already finished or ran out of attempts")
		c.Flags().BoolVar(&strict, "strict", false, "exit 3 when any item failed")
		rootCmd.AddCommand(c)
	}
}

func runStages(ctx context.Context, stages []string) error {
	for _, s := range stages {
		if !isStage(s) {
			return usageErr("unknown stage %q (want one of %v)", s, config.StageNames)
		}
	}

	cfg, err := loadConfig(stages)
	if err != nil {
		return err
	}
	if len(stages) == 0 {
		stages = cfg.Pipeline.Stages
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, log, stages)
	if err != nil {
		return fatalErr(err)
	}
	defer cleanup()
	if !noProgress {
		deps.Progress = newBarProgress()
	}

	color.Blue("Running stages %v", stages)
	report := pipeline.New(cfg, deps).Run(ctx, pipeline.RunOptions{
		Stages:    stages,
		Reprocess: reprocess,
	})
	printReport(report)

	if path := cfg.Metrics.Textfile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			log.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}

	switch code := report.ExitCode(strict || cfg.Pipeline.FailOnItemErrors); code {
	case pipeline.ExitOK:
		return nil
	case pipeline.ExitDegraded:
		return &exitError{code: code, err: fmt.Errorf("run %s finished with item failures", report.RunID)}
	default:
		return &exitError{code: code, err: fmt.Errorf("run %s stopped: a stage failed fatally", report.RunID)}
	}
}

func isStage(s string) bool {
	for _, name := range config.StageNames {
		if s == name {
			return true
		}
	}
	return false
}
