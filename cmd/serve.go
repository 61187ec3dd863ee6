package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/xhad/reliabledb/internal/models"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/pipeline"
	"github.com/xhad/reliabledb/server"
)

var (
	serveAddr string
	queryK    int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the semantic search API used by the browser extension",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig([]string{pipeline.StageIndex})
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		embedder, err := newEmbedder(cfg, log)
		if err != nil {
			return fatalErr(err)
		}
		vectors, err := openVectors(ctx, cfg)
		if err != nil {
			return fatalErr(err)
		}
		defer vectors.Close()

		warnMetricMismatch(cfg, vectors)

		srv := server.New(server.Config{
			Addr:     cfg.Server.Addr,
			DefaultK: cfg.Server.DefaultK,
			Logger:   log,
		}, embedder, vectors)
		color.Green("Serving %d records (%s) on %s", recordCount(ctx, vectors), vectors.Metric(), cfg.Server.Addr)
		if err := srv.Run(ctx); err != nil {
			return fatalErr(err)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search indexed summaries interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig([]string{pipeline.StageIndex})
		if err != nil {
			return err
		}
		log, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		embedder, err := newEmbedder(cfg, log)
		if err != nil {
			return fatalErr(err)
		}
		vectors, err := openVectors(ctx, cfg)
		if err != nil {
			return fatalErr(err)
		}
		defer vectors.Close()

		warnMetricMismatch(cfg, vectors)

		k := queryK
		if k <= 0 {
			k = cfg.Server.DefaultK
		}

		color.Cyan("\nSearch %d indexed summaries (type 'exit' to quit)", recordCount(ctx, vectors))
		scanner := bufio.NewScanner(os.Stdin)
		prompt := color.New(color.FgGreen).PrintfFunc()

		for {
			prompt("\nQuery: ")
			if !scanner.Scan() {
				break
			}
			query := strings.TrimSpace(scanner.Text())
			if query == "" {
				continue
			}
			if strings.EqualFold(query, "exit") {
				break
			}

			spinner := getSpinner("🔍 Searching summaries...")
			embeddings, err := embedder.CreateEmbedding(ctx, []string{query})
			if err != nil {
				_ = spinner.Finish()
				color.Red("\nFailed to embed query: %v", err)
				continue
			}
			records, err := vectors.Query(ctx, embeddings[0], k)
			_ = spinner.Finish()
			fmt.Print("\r")
			if err != nil {
				color.Red("Error querying summaries: %v", err)
				continue
			}

			if len(records) == 0 {
				color.Yellow("No matches")
			}
			for i, r := range records {
				title := r.Metadata["title"]
				if title == "" {
					title = r.URL
				}
				color.Cyan("%d. %s (%.4f)", i+1, title, r.Score)
				fmt.Printf("   %s | %s\n", r.Metadata["publisher"], r.URL)
				fmt.Printf("   %s\n", r.Metadata["summary_text"])
			}
		}
		return nil
	},
}

// warnMetricMismatch reports records built under a metric other than the
// configured one. They stay queryable until the next index run rebuilds them.
func warnMetricMismatch(cfg *config.Config, vectors types.VectorStore) {
	want, err := models.ParseDistanceMetric(cfg.Indexer.DistanceMetric)
	if err != nil || vectors.Metric() == want {
		return
	}
	color.Yellow("Stored vectors use %s, configured metric is %s: searching with %s until index rebuilds them",
		vectors.Metric(), want, vectors.Metric())
}

type counter interface {
	Count(ctx context.Context) (int, error)
}

func recordCount(ctx context.Context, c counter) int {
	n, err := c.Count(ctx)
	if err != nil {
		return 0
	}
	return n
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: server.addr)")
	queryCmd.Flags().IntVarP(&queryK, "k", "k", 0, "results per query (default: server.default_k)")
	rootCmd.AddCommand(serveCmd, queryCmd)
}
