package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordItem(t *testing.T) {
	before := testutil.ToFloat64(ItemsTotal.WithLabelValues("scrape", OutcomeFailed))
	RecordItem("scrape", OutcomeFailed)
	RecordItem("scrape", OutcomeFailed)
	assert.Equal(t, before+2, testutil.ToFloat64(ItemsTotal.WithLabelValues("scrape", OutcomeFailed)))
}

func TestRetryCounter(t *testing.T) {
	before := testutil.ToFloat64(RetriesTotal.WithLabelValues(TargetLLM))
	onRetry := RetryCounter(TargetLLM)
	onRetry(errors.New("429"))
	assert.Equal(t, before+1, testutil.ToFloat64(RetriesTotal.WithLabelValues(TargetLLM)))
}

func TestWriteTextfile(t *testing.T) {
	ObserveCall(TargetSearch, time.Now().Add(-time.Second))
	RecordItem("collect", OutcomeOK)

	path := filepath.Join(t.TempDir(), "out", "reliabledb.prom")
	require.NoError(t, WriteTextfile(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, `reliabledb_items_total{outcome="ok",stage="collect"}`))
	assert.Contains(t, out, "reliabledb_external_call_duration_seconds_bucket")
}
