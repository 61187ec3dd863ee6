package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/xhad/reliabledb/pkg/pipeline"
)

var stageLabels = map[string]string{
	pipeline.StageCollect:   "🔎 Collecting references...",
	pipeline.StageScrape:    "📄 Scraping articles...",
	pipeline.StageSummarize: "📝 Summarizing articles...",
	pipeline.StageIndex:     "💾 Indexing summaries...",
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// barProgress shows one progress bar per running stage.
type barProgress struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func newBarProgress() *barProgress {
	return &barProgress{bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *barProgress) Start(stage string, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	label := stageLabels[stage]
	if label == "" {
		label = stage
	}
	p.bars[stage] = getProgressBar(total, label)
}

func (p *barProgress) Advance(stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bar := p.bars[stage]; bar != nil {
		_ = bar.Add(1)
	}
}

func (p *barProgress) Finish(stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if bar := p.bars[stage]; bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
		delete(p.bars, stage)
	}
}

// printReport writes one colored line per stage.
func printReport(report pipeline.Report) {
	fmt.Println()
	color.Cyan("Run %s", report.RunID)
	for _, s := range report.Stages {
		line := s.String()
		switch s.Severity {
		case pipeline.SeverityOK:
			color.Green("✓ %s", line)
		case pipeline.SeverityDegraded:
			color.Yellow("! %s", line)
		case pipeline.SeverityFatal:
			color.Red("✗ %s", line)
		default:
			color.New(color.Faint).Printf("- %s\n", line)
		}
	}
}
