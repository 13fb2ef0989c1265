package types

import (
	"time"
)

// RunOutcome classifies a completed scrape run.
type RunOutcome string

const (
	RunOK       RunOutcome = "ok"
	RunDegraded RunOutcome = "degraded" // zero valid events
	RunTimedOut RunOutcome = "timed_out"
	RunFailed   RunOutcome = "failed"
)

// RunCounts are the per-run conservation counters. For every run,
// inserted + updated + skipped + invalid = parsed.
type RunCounts struct {
	Fetched  int `json:"fetched"`
	Parsed   int `json:"parsed"`
	Valid    int `json:"valid"`
	Invalid  int `json:"invalid"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
	Canceled int `json:"canceled"`
}

// RunError is a single accumulated pipeline error; runs collect these
// instead of unwinding.
type RunError struct {
	Stage   string `json:"stage"`
	Code    string `json:"code"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message"`
}

// RunReport records one scrape invocation end to end.
type RunReport struct {
	RunID     string     `json:"run_id"`
	Source    string     `json:"source"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
	Outcome   RunOutcome `json:"outcome"`
	Counts    RunCounts  `json:"counts"`
	Errors    []RunError `json:"errors,omitempty"`
}

// AddError appends a pipeline error under the given stage.
func (r *RunReport) AddError(stage, url string, err error) {
	r.Errors = append(r.Errors, RunError{
		Stage:   stage,
		Code:    ErrorCode(err),
		URL:     url,
		Message: err.Error(),
	})
}
