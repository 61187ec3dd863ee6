package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportExitCode(t *testing.T) {
	tests := []struct {
		name     string
		stages   []Severity
		strict   bool
		expected int
	}{
		{"all ok", []Severity{SeverityOK, SeverityOK}, false, ExitOK},
		{"degraded lenient", []Severity{SeverityOK, SeverityDegraded}, false, ExitOK},
		{"degraded strict", []Severity{SeverityOK, SeverityDegraded}, true, ExitDegraded},
		{"fatal", []Severity{SeverityFatal, SeverityNotRun}, false, ExitFatal},
		{"fatal beats degraded", []Severity{SeverityDegraded, SeverityFatal}, true, ExitFatal},
		{"nothing ran", []Severity{SeverityNotRun}, true, ExitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Report
			for _, s := range tt.stages {
				r.Stages = append(r.Stages, StageReport{Severity: s})
			}
			assert.Equal(t, tt.expected, r.ExitCode(tt.strict))
		})
	}
}

func TestStageReportString(t *testing.T) {
	r := StageReport{
		Stage: StageScrape, Severity: SeverityDegraded,
		Processed: 3, Succeeded: 1, Failed: 1, Skipped: 1,
		Duration: 1500 * time.Millisecond,
	}
	s := r.String()
	assert.Contains(t, s, "scrape")
	assert.Contains(t, s, "degraded")
	assert.Contains(t, s, "processed=3 ok=1 failed=1 skipped=1")
	assert.Contains(t, s, "took=1.5s")
}

func TestForEachBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 20)

	err := forEach(context.Background(), 3, items, func(ctx context.Context, _ int) error {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestForEachStopsOnError(t *testing.T) {
	boom := errors.New("store unavailable")
	var started atomic.Int32
	items := make([]int, 50)

	err := forEach(context.Background(), 1, items, func(ctx context.Context, _ int) error {
		if started.Add(1) == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Less(t, started.Load(), int32(50))
}
