package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/logger"
	"github.com/xhad/reliabledb/pkg/pipeline"
	"go.uber.org/zap"
)

var (
	cfgFile    string
	distance   string
	logLevel   string
	noProgress bool
)

// exitError carries the process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageErr(format string, args ...any) error {
	return &exitError{code: pipeline.ExitUsage, err: fmt.Errorf(format, args...)}
}

func fatalErr(err error) error {
	return &exitError{code: pipeline.ExitFatal, err: err}
}

var rootCmd = &cobra.Command{
	Use:   "reliabledb",
	Short: "Collect, scrape, summarize and index news from reliable sources",
	Long: `reliabledb builds a searchable index of neutral news summaries.

The pipeline runs four stages in order:
  collect     query the search API for recent articles per source domain
  scrape      fetch each article and extract its text
  summarize   condense each article with a language model
  index       embed each summary and upsert it into the vector store

Example usage:
  reliabledb run                          # all stages
  reliabledb run --stages scrape,summarize
  reliabledb index --distance euclidean   # rebuild under a new metric
  reliabledb serve                        # query API for the extension`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&distance, "distance", "", "distance metric: cosine, euclidean or dot-product")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
}

// loadConfig reads the config, applies flag overrides and validates it
// for the stages about to run. Nil stages means the configured ones.
func loadConfig(stages []string) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, usageErr("failed to load config: %w", err)
	}

	if distance != "" {
		metric, err := models.ParseDistanceMetric(distance)
		if err != nil {
			return nil, usageErr("invalid --distance: %w", err)
		}
		cfg.Indexer.DistanceMetric = string(metric)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if stages == nil {
		stages = cfg.Pipeline.Stages
	}
	if errs := cfg.ValidateForStages(stages); len(errs) > 0 {
		for _, e := range errs {
			color.Red("  %s", e.Error())
		}
		return nil, usageErr("invalid configuration (%d problems)", len(errs))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fatalErr(err)
	}
	return log, nil
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	code := pipeline.ExitUsage
	var ee *exitError
	if errors.As(err, &ee) {
		code = ee.code
	}
	if code == pipeline.ExitDegraded {
		color.Yellow("%v", err)
	} else {
		color.Red("Error: %v", err)
	}
	os.Exit(code)
}
