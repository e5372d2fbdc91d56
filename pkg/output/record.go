// Package output writes job events as JSONL.
//
// Every line is a typed envelope whose data payload is one of the record
// types below. The CLI streams job updates this way so that callers can
// follow a run with nothing more than a line-oriented JSON parser.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow viamerun.<type>.v<version>.
const (
	TypeUpdate  = "viamerun.update.v1"
	TypeError   = "viamerun.error.v1"
	TypeSummary = "viamerun.summary.v1"
	TypePublish = "viamerun.publish.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// RunID correlates every record written by one CLI invocation.
	RunID string `json:"run_id"`

	// Platform is "linux" or "windows".
	Platform string `json:"platform"`

	Data json.RawMessage `json:"data"`
}

// UpdateRecord is one job update: the job's state plus a batch of output
// lines.
type UpdateRecord struct {
	Key        string   `json:"key"`
	Kind       string   `json:"kind"`
	Title      string   `json:"title,omitempty"`
	PID        int      `json:"pid"`
	State      string   `json:"state"`
	ExitCode   *int     `json:"exit_code,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
	Lines      []string `json:"lines,omitempty"`
}

// ErrorRecord reports a failure that did not come from the job process
// itself, such as a precondition or post-processing error.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodePrecondition = "PRECONDITION_FAILED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeJobFailed    = "JOB_FAILED"
	ErrCodePublish      = "PUBLISH_FAILED"
	ErrCodeInternal     = "INTERNAL"
)

// SummaryRecord closes a run.
type SummaryRecord struct {
	Key        string `json:"key"`
	Kind       string `json:"kind"`
	ExitCode   int    `json:"exit_code"`
	WorkingDir string `json:"working_dir,omitempty"`

	// Lines is the number of output lines relayed.
	Lines int64 `json:"lines"`

	Duration      time.Duration `json:"duration_ns"`
	DurationHuman string        `json:"duration"`
}

// PublishRecord describes one artifact copied to a publish destination.
type PublishRecord struct {
	Key         string `json:"key"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Bytes       int64  `json:"bytes"`
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // "marshal_data", "marshal_record" or "write"
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
