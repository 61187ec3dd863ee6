package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o wait exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"already classified", fmt.Errorf("wrapped: %w", Skip("robots")), KindSkipped},
		{"cancelled", fmt.Errorf("call: %w", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net error", timeoutErr{}, KindTransient},
		{"quota beats rate limit", errors.New("429: You exceeded your current quota"), KindQuota},
		{"invalid key", errors.New("error, status code: 401, message: Incorrect API key provided"), KindAuth},
		{"rate limit", errors.New("Rate limit reached for requests"), KindRateLimit},
		{"content filter", errors.New("finish_reason content_filter"), KindContentExtraction},
		{"server overloaded", errors.New("model is overloaded"), KindTransient},
		{"unknown", errors.New("bad request body"), KindContentExtraction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestRetryableAndFatal(t *testing.T) {
	assert.True(t, Retryable(Transient("status 503", nil)))
	assert.True(t, Retryable(RateLimit("status 429", nil)))
	assert.False(t, Retryable(Extraction("paywall detected")))
	assert.False(t, Retryable(Skip("disallowed by robots.txt")))
	assert.False(t, Retryable(nil))

	assert.True(t, Fatal(Auth("bad key", nil)))
	assert.True(t, Fatal(Quota("exhausted", nil)))
	assert.True(t, Fatal(New(KindCancelled, "cancelled", context.Canceled)))
	assert.False(t, Fatal(Transient("timeout", nil)))
	assert.False(t, Fatal(nil))
}

func TestFromStatus(t *testing.T) {
	assert.NoError(t, FromStatus(200, "search"))
	assert.Equal(t, KindRateLimit, KindOf(FromStatus(429, "search")))
	assert.Equal(t, KindAuth, KindOf(FromStatus(401, "search")))
	assert.Equal(t, KindQuota, KindOf(FromStatus(402, "search")))
	assert.Equal(t, KindTransient, KindOf(FromStatus(503, "search")))
	assert.Equal(t, KindTransient, KindOf(FromStatus(408, "search")))
	assert.Equal(t, KindContentExtraction, KindOf(FromStatus(400, "search")))
}

func TestReasonAndError(t *testing.T) {
	err := Transient("status 503", errors.New("upstream"))
	assert.Equal(t, "status 503", Reason(fmt.Errorf("fetch: %w", err)))
	assert.Equal(t, "transient_network: status 503: upstream", err.Error())
	assert.Equal(t, "skipped: non-HTML content type", Skip("non-HTML content type").Error())
	assert.Equal(t, "plain", Reason(errors.New("plain")))
	assert.Empty(t, Reason(nil))
}
