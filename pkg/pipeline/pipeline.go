// Package pipeline runs the collect, scrape, summarize and index stages
// against the state and vector stores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xhad/reliabledb/internal/types"
	"github.com/xhad/reliabledb/pkg/config"
	"github.com/xhad/reliabledb/pkg/failure"
	"github.com/xhad/reliabledb/pkg/logger"
	"github.com/xhad/reliabledb/pkg/metrics"
	"go.uber.org/zap"
)

const (
	StageCollect   = "collect"
	StageScrape    = "scrape"
	StageSummarize = "summarize"
	StageIndex     = "index"
)

// Progress receives per-stage item progress, for the CLI progress bars.
type Progress interface {
	Start(stage string, total int)
	Advance(stage string)
	Finish(stage string)
}

type nopProgress struct{}

func (nopProgress) Start(string, int) {}
func (nopProgress) Advance(string)    {}
func (nopProgress) Finish(string)     {}

// Deps are the adapters the stages run against. A stage whose adapter is
// nil reports fatal when selected.
type Deps struct {
	Search     types.SearchProvider
	Fetcher    types.PageFetcher
	Summarizer types.Summarizer
	Embedder   types.Embedder
	State      types.StateStore
	Vectors    types.VectorStore
	Logger     *zap.Logger
	Progress   Progress
	// Broken holds adapter construction errors by stage. Such a stage
	// reports fatal with its error instead of running.
	Broken map[string]error
}

type Pipeline struct {
	config   *config.Config
	deps     Deps
	log      *zap.Logger
	progress Progress
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(cfg *config.Config, deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	progress := deps.Progress
	if progress == nil {
		progress = nopProgress{}
	}
	return &Pipeline{
		config:   cfg,
		deps:     deps,
		log:      logger.Component(log, "pipeline"),
		progress: progress,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

type RunOptions struct {
	// Stages to run; empty means the configured stages. They always run
	// in pipeline order.
	Stages []string
	// Reprocess re-selects items that already finished or exhausted their
	// attempts.
	Reprocess bool
}

// Run executes the selected stages in order. Under the halt policy a
// fatal stage marks every later stage not_run; a cancelled context always
// does.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) Report {
	report := Report{RunID: uuid.NewString()}
	log := p.log.With(zap.String("run_id", report.RunID))

	selected := opts.Stages
	if len(selected) == 0 {
		selected = p.config.Pipeline.Stages
	}
	if len(selected) == 0 {
		selected = config.StageNames
	}
	want := make(map[string]bool, len(selected))
	for _, s := range selected {
		want[s] = true
	}

	halted := false
	for _, name := range config.StageNames {
		if !want[name] {
			continue
		}
		if halted {
			report.Stages = append(report.Stages, StageReport{Stage: name, Severity: SeverityNotRun})
			continue
		}

		rep := p.runStage(ctx, log, name, opts.Reprocess)
		report.Stages = append(report.Stages, rep)

		if rep.Severity == SeverityFatal && (p.config.Pipeline.OnFatal != "continue" || ctx.Err() != nil) {
			halted = true
		}
	}

	log.Info("run finished", zap.String("worst", string(report.Worst())))
	return report
}

func (p *Pipeline) runStage(ctx context.Context, log *zap.Logger, name string, reprocess bool) StageReport {
	run := &stageRun{
		name:     name,
		log:      log.With(zap.String("stage", name)),
		progress: p.progress,
		report:   StageReport{Stage: name},
	}
	run.log.Info("stage started")
	start := time.Now()

	err := p.execute(ctx, run, name, reprocess)
	p.progress.Finish(name)

	rep := run.snapshot()
	rep.Duration = time.Since(start)
	metrics.StageDuration.WithLabelValues(name).Observe(rep.Duration.Seconds())

	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) && failure.KindOf(err) != failure.KindCancelled {
			err = failure.New(failure.KindCancelled, "run cancelled", err)
		}
		rep.Severity = SeverityFatal
		rep.Err = err
		run.log.Error("stage failed", zap.Error(err), zap.String("kind", string(failure.KindOf(err))))
	case rep.Failed > 0:
		rep.Severity = SeverityDegraded
		run.log.Warn("stage finished with item failures", zap.Int("failed", rep.Failed))
	default:
		rep.Severity = SeverityOK
		run.log.Info("stage finished",
			zap.Int("processed", rep.Processed),
			zap.Int("succeeded", rep.Succeeded),
			zap.Int("skipped", rep.Skipped))
	}
	return rep
}

func (p *Pipeline) execute(ctx context.Context, run *stageRun, name string, reprocess bool) error {
	if err := p.deps.Broken[name]; err != nil {
		return err
	}
	switch name {
	case StageCollect:
		return p.collect(ctx, run)
	case StageScrape:
		return p.scrape(ctx, run, reprocess)
	case StageSummarize:
		return p.summarize(ctx, run, reprocess)
	case StageIndex:
		return p.index(ctx, run)
	default:
		return fmt.Errorf("unknown stage %q", name)
	}
}

// stageRun tallies item outcomes from concurrent workers.
type stageRun struct {
	name     string
	log      *zap.Logger
	progress Progress

	mu     sync.Mutex
	report StageReport
}

func (r *stageRun) start(total int) {
	r.progress.Start(r.name, total)
}

func (r *stageRun) record(outcome string) {
	r.mu.Lock()
	r.report.Processed++
	switch outcome {
	case metrics.OutcomeOK:
		r.report.Succeeded++
	case metrics.OutcomeFailed:
		r.report.Failed++
	case metrics.OutcomeSkipped:
		r.report.Skipped++
	}
	r.mu.Unlock()

	metrics.RecordItem(r.name, outcome)
	r.progress.Advance(r.name)
}

func (r *stageRun) snapshot() StageReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func missing(dep string) error {
	return fmt.Errorf("no %s configured", dep)
}
