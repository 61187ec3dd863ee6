package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/pipeline"
	"go.uber.org/zap"
)

func useConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	oldFile, oldDistance := cfgFile, distance
	cfgFile, distance = path, ""
	t.Cleanup(func() { cfgFile, distance = oldFile, oldDistance })
	t.Setenv("SERP_API_KEY", "")
	t.Setenv("RELIABLEDB_DISTANCE", "")
}

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *exitError
	require.True(t, errors.As(err, &ee), "expected an exit error, got %v", err)
	return ee.code
}

func TestLoadConfigDistanceFlag(t *testing.T) {
	useConfig(t, "log:\n  level: warn\n")

	distance = "DOT"
	cfg, err := loadConfig([]string{})
	require.NoError(t, err)
	assert.Equal(t, "dot-product", cfg.Indexer.DistanceMetric)

	distance = "manhattan"
	_, err = loadConfig([]string{})
	assert.Equal(t, pipeline.ExitUsage, exitCode(t, err))
}

func TestLoadConfigChecksStageCredentials(t *testing.T) {
	useConfig(t, "log:\n  level: warn\n")

	_, err := loadConfig([]string{pipeline.StageCollect})
	assert.Equal(t, pipeline.ExitUsage, exitCode(t, err))

	_, err = loadConfig([]string{pipeline.StageScrape})
	assert.NoError(t, err)
}

func TestLoadConfigRejectsInvalidFile(t *testing.T) {
	useConfig(t, "indexer:\n  distance_metric: manhattan\n")

	_, err := loadConfig([]string{})
	assert.Equal(t, pipeline.ExitUsage, exitCode(t, err))
}

func TestRunStagesRejectsUnknownStage(t *testing.T) {
	useConfig(t, "log:\n  level: warn\n")

	err := runStages(context.Background(), []string{"crawl"})
	assert.Equal(t, pipeline.ExitUsage, exitCode(t, err))
}

func TestBuildDepsMarksBrokenStages(t *testing.T) {
	cfg := config.Default()
	cfg.Store.StatePath = "file:TestBuildDepsMarksBrokenStages?mode=memory&cache=shared"
	cfg.LLM.Provider = "carrier-pigeon"

	stages := []string{pipeline.StageScrape, pipeline.StageSummarize, pipeline.StageIndex}
	deps, cleanup, err := buildDeps(context.Background(), cfg, zap.NewNop(), stages)
	require.NoError(t, err)
	defer cleanup()

	assert.NotNil(t, deps.State)
	assert.NotNil(t, deps.Fetcher)
	assert.Nil(t, deps.Summarizer)
	assert.Nil(t, deps.Vectors)
	assert.Error(t, deps.Broken[pipeline.StageSummarize])
	assert.Error(t, deps.Broken[pipeline.StageIndex])
	assert.NotContains(t, deps.Broken, pipeline.StageScrape)
}

func TestBuildDepsUnreachableVectorStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.StatePath = "file:TestBuildDepsUnreachableVectorStore?mode=memory&cache=shared"
	cfg.Store.VectorBackend = "pgvector"
	cfg.Store.DatabaseURL = ""

	deps, cleanup, err := buildDeps(context.Background(), cfg, zap.NewNop(), []string{pipeline.StageIndex})
	require.NoError(t, err)
	defer cleanup()

	assert.ErrorContains(t, deps.Broken[pipeline.StageIndex], "database url")
}
