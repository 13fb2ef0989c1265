package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound      = errors.New("not found")
	ErrEmptyResponse = errors.New("empty response body")
	ErrRunDegraded   = errors.New("run produced zero valid events")
)

// FetchErrorKind classifies fetch failures for retry and reporting decisions.
type FetchErrorKind string

const (
	FetchTimeout         FetchErrorKind = "timeout"
	FetchNetwork         FetchErrorKind = "network"
	FetchHTTPStatus      FetchErrorKind = "http_status"
	FetchExceededRetries FetchErrorKind = "exceeded_retries"
)

// FetchError wraps errors that occur while fetching a URL.
type FetchError struct {
	URL        string
	Kind       FetchErrorKind
	StatusCode int
	Err        error
	Retryable  bool
	RetryAfter time.Duration // populated from Retry-After on HTTP 429
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) IsRetryable() bool { return e.Retryable }

// Code returns the stable error code used in logs and dashboards.
func (e *FetchError) Code() string { return "FETCH_" + string(e.Kind) }

// StructuralError means a page's expected container was missing entirely.
// The page is skipped; the run may still succeed on other pages.
type StructuralError struct {
	URL    string
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error for %s: %s", e.URL, e.Reason)
}

func (e *StructuralError) Code() string { return "PARSE_STRUCTURAL" }

// RowParseError is a single-row extraction failure. The row is skipped and
// counted; the page and run continue.
type RowParseError struct {
	URL   string
	Index int
	Err   error
}

func (e *RowParseError) Error() string {
	return fmt.Sprintf("row %d of %s: %v", e.Index, e.URL, e.Err)
}

func (e *RowParseError) Unwrap() error { return e.Err }

func (e *RowParseError) Code() string { return "PARSE_ROW" }

// ValidationError means a normalized event violated a data-model invariant.
type ValidationError struct {
	Identity string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s: invalid %s: %s", e.Identity, e.Field, e.Reason)
}

func (e *ValidationError) Code() string { return "VALIDATE" }

// RepositoryError wraps store failures. Retryable covers transient
// unavailability and contention; the caller bounds its own retries.
type RepositoryError struct {
	Op        string
	Err       error
	Retryable bool
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func (e *RepositoryError) IsRetryable() bool { return e.Retryable }

func (e *RepositoryError) Code() string { return "REPO" }

// GeocodeErrorKind distinguishes permanent geocoder outcomes from transient
// ones. Permanent failures mark the event attempted-unknown; transient ones
// leave it eligible for the next batch.
type GeocodeErrorKind string

const (
	GeocodeNotFound  GeocodeErrorKind = "not_found"
	GeocodeAmbiguous GeocodeErrorKind = "ambiguous"
	GeocodeTransport GeocodeErrorKind = "transport"
	GeocodeTimeout   GeocodeErrorKind = "timeout"
)

// GeocodeError wraps geocoding provider failures.
type GeocodeError struct {
	Query string
	Kind  GeocodeErrorKind
	Err   error
}

func (e *GeocodeError) Error() string {
	return fmt.Sprintf("geocode %q: %s: %v", e.Query, e.Kind, e.Err)
}

func (e *GeocodeError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot change the outcome.
func (e *GeocodeError) Permanent() bool {
	return e.Kind == GeocodeNotFound || e.Kind == GeocodeAmbiguous
}

func (e *GeocodeError) Code() string { return "GEOCODE_" + string(e.Kind) }

// ExtractorError wraps detail-extractor (LLM) provider failures.
type ExtractorError struct {
	EventID   int64
	Err       error
	Retryable bool
}

func (e *ExtractorError) Error() string {
	return fmt.Sprintf("detail extraction for event %d: %v", e.EventID, e.Err)
}

func (e *ExtractorError) Unwrap() error { return e.Err }

func (e *ExtractorError) IsRetryable() bool { return e.Retryable }

func (e *ExtractorError) Code() string { return "EXTRACT" }

// ConfigError is fatal at startup: missing credentials, invalid cron, bad
// option values.
type ConfigError struct {
	Option string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Option, e.Reason)
}

func (e *ConfigError) Code() string { return "CONFIG" }

// ErrorCode extracts the stable dashboard code from any pipeline error,
// falling back to "INTERNAL".
func ErrorCode(err error) string {
	type coded interface{ Code() string }
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return "INTERNAL"
}
