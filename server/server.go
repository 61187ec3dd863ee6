// Package server exposes the vector store to the browser extension.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/logger"
	"github.com/xhad/reliabledb/pkg/metrics"
	"go.uber.org/zap"
)

const maxK = 50

type Config struct {
	Addr     string
	DefaultK int
	Logger   *zap.Logger
}

type Server struct {
	config   Config
	embedder types.Embedder
	vectors  types.VectorStore
	router   *gin.Engine
	log      *zap.Logger
}

type SearchRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

type SearchHit struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Document       string            `json:"document"`
	Score          float64           `json:"score"`
	DistanceMetric string            `json:"distance_metric"`
	Metadata       map[string]string `json:"metadata"`
}

type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

func New(config Config, embedder types.Embedder, vectors types.VectorStore) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.DefaultK <= 0 {
		config.DefaultK = 5
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		config:   config,
		embedder: embedder,
		vectors:  vectors,
		router:   gin.New(),
		log:      logger.Component(config.Logger, "server"),
	}

	s.router.Use(gin.Recovery(), s.requestLogger(), cors())
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.POST("/api/v1/search", s.handleSearch)
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("query API listening", zap.String("addr", s.config.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server error: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.log.Info("query API stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	n, err := s.vectors.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"records":         n,
		"distance_metric": string(s.vectors.Metric()),
	})
}

func (s *Server) handleSearch(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.reject(c, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		s.reject(c, http.StatusBadRequest, "query is required")
		return
	}
	if req.K <= 0 {
		req.K = s.config.DefaultK
	}
	req.K = min(req.K, maxK)

	ctx := c.Request.Context()
	start := time.Now()
	vectors, err := s.embedder.CreateEmbedding(ctx, []string{req.Query})
	metrics.ObserveCall(metrics.TargetEmbed, start)
	if err != nil || len(vectors) != 1 {
		if err == nil {
			err = fmt.Errorf("embedder returned %d vectors", len(vectors))
		}
		_ = c.Error(err)
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to embed query", "kind": string(failure.KindOf(err))})
		return
	}

	start = time.Now()
	records, err := s.vectors.Query(ctx, vectors[0], req.K)
	metrics.ObserveCall(metrics.TargetVecQuery, start)
	if err != nil {
		_ = c.Error(err)
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query vector store"})
		return
	}

	resp := SearchResponse{Query: req.Query, Results: make([]SearchHit, 0, len(records))}
	for _, r := range records {
		resp.Results = append(resp.Results, SearchHit{
			ID:             r.ID,
			URL:            r.URL,
			Document:       r.Document,
			Score:          r.Score,
			DistanceMetric: string(r.DistanceMetric),
			Metadata:       r.Metadata,
		})
	}
	metrics.QueriesTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) reject(c *gin.Context, status int, msg string) {
	metrics.QueriesTotal.WithLabelValues("bad_request").Inc()
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			s.log.Error("HTTP request with errors", append(fields, zap.String("errors", c.Errors.String()))...)
			return
		}
		s.log.Debug("HTTP request", fields...)
	}
}

// cors lets the extension call the API from any page.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
