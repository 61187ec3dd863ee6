package pipeline

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityNotRun   Severity = "not_run"
	SeverityOK       Severity = "ok"
	SeverityDegraded Severity = "degraded"
	SeverityFatal    Severity = "fatal"
)

func (s Severity) rank() int {
	switch s {
	case SeverityOK:
		return 1
	case SeverityDegraded:
		return 2
	case SeverityFatal:
		return 3
	}
	return 0
}

// Exit codes for the CLI.
const (
	ExitOK       = 0
	ExitFatal    = 1
	ExitUsage    = 2
	ExitDegraded = 3
)

// StageReport summarises one stage run. Per-item failures make a stage
// degraded; Err is set only when the stage stopped early.
type StageReport struct {
	Stage     string
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
	Severity  Severity
	Err       error
	Duration  time.Duration
}

func (r StageReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-9s processed=%d ok=%d failed=%d skipped=%d",
		r.Stage, r.Severity, r.Processed, r.Succeeded, r.Failed, r.Skipped)
	if r.Duration > 0 {
		fmt.Fprintf(&b, " took=%s", r.Duration.Round(time.Millisecond))
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " error=%q", r.Err.Error())
	}
	return b.String()
}

type Report struct {
	RunID  string
	Stages []StageReport
}

// Worst returns the most severe stage outcome. Stages that did not run do
// not count.
func (r Report) Worst() Severity {
	worst := SeverityOK
	for _, s := range r.Stages {
		if s.Severity.rank() > worst.rank() {
			worst = s.Severity
		}
	}
	return worst
}

// Stage returns the report for name, if that stage was selected.
func (r Report) Stage(name string) (StageReport, bool) {
	for _, s := range r.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageReport{}, false
}

// ExitCode maps the worst severity to the process exit status.
func (r Report) ExitCode(failOnItemErrors bool) int {
	switch r.Worst() {
	case SeverityFatal:
		return ExitFatal
	case SeverityDegraded:
		if failOnItemErrors {
			return ExitDegraded
		}
	}
	return ExitOK
}
