// Package failure classifies errors from external calls into the kinds the
// pipeline stages act on.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

type Kind string

const (
	KindTransient         Kind = "transient_network"
	KindRateLimit         Kind = "rate_limit"
	KindContentExtraction Kind = "content_extraction"
	KindAuth              Kind = "auth"
	KindQuota             Kind = "quota_exceeded"
	KindSkipped           Kind = "skipped"
	KindCancelled         Kind = "cancelled"
)

// Error carries a Kind alongside the wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Transient(reason string, err error) *Error { return New(KindTransient, reason, err) }
func RateLimit(reason string, err error) *Error { return New(KindRateLimit, reason, err) }
func Extraction(reason string) *Error           { return New(KindContentExtraction, reason, nil) }
func Auth(reason string, err error) *Error      { return New(KindAuth, reason, err) }
func Quota(reason string, err error) *Error     { return New(KindQuota, reason, err) }
func Skip(reason string) *Error                 { return New(KindSkipped, reason, nil) }

// KindOf returns the kind of err. Unclassified errors are inspected by
// Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Classify(err).Kind
}

// Retryable reports whether another attempt at the same call may succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimit:
		return true
	}
	return false
}

// Fatal reports whether err must stop the whole stage.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindQuota, KindCancelled:
		return true
	}
	return false
}

// Reason is the short text stored against a failed item.
func Reason(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// FromStatus maps an HTTP response status to a failure, or nil for 2xx.
func FromStatus(code int, target string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return RateLimit(fmt.Sprintf("%s returned %d", target, code), nil)
	case code == http.StatusUnauthorized:
		return Auth(fmt.Sprintf("%s returned %d", target, code), nil)
	case code == http.StatusPaymentRequired:
		return Quota(fmt.Sprintf("%s returned %d", target, code), nil)
	case code == http.StatusRequestTimeout || code >= 500:
		return Transient(fmt.Sprintf("%s returned %d", target, code), nil)
	default:
		return New(KindContentExtraction, fmt.Sprintf("%s returned %d", target, code), nil)
	}
}

var (
	authPatterns = []string{
		"401", "unauthorized", "invalid api key", "invalid_api_key", "incorrect api key", "authentication",
	}
	quotaPatterns = []string{
		"insufficient_quota", "quota exceeded", "exceeded your current quota", "run out of searches", "billing",
	}
	rateLimitPatterns = []string{
		"429", "rate limit", "rate_limit", "too many requests",
	}
	filterPatterns = []string{
		"content_filter", "content management policy", "safety",
	}
	transientPatterns = []string{
		"timeout", "deadline exceeded", "connection refused", "connection reset", "no such host",
		"temporary failure", "network is unreachable", "eof", "502", "503", "504", "500", "overloaded",
	}
)

// Classify wraps an unclassified error with the kind its type or message
// implies. Order matters: quota and auth win over rate limit because
// providers report exhausted quota with a 429.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, "cancelled", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, quotaPatterns):
		return Quota("quota exhausted", err)
	case containsAny(msg, authPatterns):
		return Auth("authentication failed", err)
	case containsAny(msg, rateLimitPatterns):
		return RateLimit("rate limited", err)
	case containsAny(msg, filterPatterns):
		return New(KindContentExtraction, "rejected by content filter", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient("timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient("network error", err)
	}
	if containsAny(msg, transientPatterns) {
		return Transient("transient error", err)
	}
	return New(KindContentExtraction, "", err)
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
