// Package billingerr provides severity-aware error types for the
// billing collection pipeline.
package billingerr

import (
	"errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// CollectorError is a structured error with provider context.
type CollectorError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Provider    string   `json:"provider,omitempty"`
	Recoverable bool     `json:"recoverable"`
	Cause       error    `json:"-"`
}

func (e *CollectorError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s (provider: %s)", e.Severity, e.Code, e.Message, e.Provider)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

func (e *CollectorError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	CodeUnknownProvider     = "UNKNOWN_PROVIDER"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamData        = "UPSTREAM_DATA"
	CodeNormalization       = "NORMALIZATION_FAILED"
	CodeLoadConflict        = "LOAD_CONFLICT"
	CodeLoadFailed          = "LOAD_FAILED"
)

// NewUnknownProviderError rejects an identifier outside the allow-set.
// Fatal and not recoverable: retrying the same identifier cannot succeed.
func NewUnknownProviderError(requested string) *CollectorError {
	return &CollectorError{
		Code:        CodeUnknownProvider,
		Message:     fmt.Sprintf("unknown provider %q", requested),
		Severity:    SeverityFatal,
		Recoverable: false,
	}
}

// NewUpstreamUnavailableError marks a transient upstream failure
// (timeout, 5xx, throttling, auth). The whole (provider, day) run is
// retryable by the scheduler.
func NewUpstreamUnavailableError(provider string, cause error) *CollectorError {
	return &CollectorError{
		Code:        CodeUpstreamUnavailable,
		Message:     fmt.Sprintf("upstream unavailable: %v", cause),
		Severity:    SeverityError,
		Provider:    provider,
		Recoverable: true,
		Cause:       cause,
	}
}

// NewUpstreamDataError marks an unexpected payload shape. Retrying does
// not fix schema drift, so this is surfaced for operator attention.
func NewUpstreamDataError(provider string, cause error) *CollectorError {
	return &CollectorError{
		Code:        CodeUpstreamData,
		Message:     fmt.Sprintf("unexpected upstream payload: %v", cause),
		Severity:    SeverityError,
		Provider:    provider,
		Recoverable: false,
		Cause:       cause,
	}
}

// NewNormalizationError marks one record that failed validation. The
// batch continues without it.
func NewNormalizationError(provider, detail string) *CollectorError {
	return &CollectorError{
		Code:        CodeNormalization,
		Message:     detail,
		Severity:    SeverityWarning,
		Provider:    provider,
		Recoverable: false,
	}
}

// NewLoadConflictError reports a held (provider, billing_date) lock.
// Nothing was written; the run is safe to retry later.
func NewLoadConflictError(provider, day string) *CollectorError {
	return &CollectorError{
		Code:        CodeLoadConflict,
		Message:     fmt.Sprintf("partition %s/%s is locked by a concurrent run", provider, day),
		Severity:    SeverityError,
		Provider:    provider,
		Recoverable: true,
	}
}

// NewLoadFailedError reports a failed per-day replace. The prior
// committed partition state is intact.
func NewLoadFailedError(provider, day string, cause error) *CollectorError {
	return &CollectorError{
		Code:        CodeLoadFailed,
		Message:     fmt.Sprintf("load for %s/%s failed: %v", provider, day, cause),
		Severity:    SeverityError,
		Provider:    provider,
		Recoverable: true,
		Cause:       cause,
	}
}

func hasCode(err error, code string) bool {
	var ce *CollectorError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

func IsUnknownProvider(err error) bool { return hasCode(err, CodeUnknownProvider) }
func IsUnavailable(err error) bool     { return hasCode(err, CodeUpstreamUnavailable) }
func IsDataError(err error) bool       { return hasCode(err, CodeUpstreamData) }
func IsNormalization(err error) bool   { return hasCode(err, CodeNormalization) }
func IsLoadConflict(err error) bool    { return hasCode(err, CodeLoadConflict) }
func IsLoadFailed(err error) bool      { return hasCode(err, CodeLoadFailed) }
