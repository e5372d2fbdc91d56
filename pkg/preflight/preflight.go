// Package preflight probes a publish destination for write access before a
// job starts.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/3leaps/viamerun/pkg/provider"
)

// Mode selects how much checking happens before launch.
type Mode string

const (
	ModeOff        Mode = "off"
	ModeWriteProbe Mode = "write-probe"
)

// ParseMode accepts the config spellings of a Mode. Empty means write-probe.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeWriteProbe:
		return ModeWriteProbe, nil
	case ModeOff:
		return ModeOff, nil
	}
	return "", fmt.Errorf("unknown preflight mode %q (want %s or %s)", s, ModeWriteProbe, ModeOff)
}

// Capability names appear in reports and logs.
const (
	CapTargetWrite  = "target.write"
	CapTargetHead   = "target.head"
	CapTargetDelete = "target.delete"
)

// Error codes for failed checks.
const (
	CodeAccessDenied = "ACCESS_DENIED"
	CodeNotFound     = "NOT_FOUND"
	CodeThrottled    = "THROTTLED"
	CodeInternal     = "INTERNAL"
)

// ErrWriteDenied wraps every failed probe.
var ErrWriteDenied = errors.New("publish destination is not writable")

// ProbeBody is what the probe object contains.
const ProbeBody = "viamerun preflight\n"

type Spec struct {
	Mode Mode
	// ProbePrefix is where the probe object is written, normally the
	// publish key prefix.
	ProbePrefix string
}

// CheckResult is the outcome of one capability check.
type CheckResult struct {
	Capability string `json:"capability"`
	Allowed    bool   `json:"allowed"`
	Method     string `json:"method"`
	ErrorCode  string `json:"errorCode,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type Report struct {
	Mode     Mode          `json:"mode"`
	ProbeKey string        `json:"probeKey,omitempty"`
	Results  []CheckResult `json:"results"`
}

// Allowed reports whether every check passed.
func (r *Report) Allowed() bool {
	for _, c := range r.Results {
		if !c.Allowed {
			return false
		}
	}
	return true
}

// WriteProbe writes a small object under spec.ProbePrefix, reads back its
// size, and deletes it. The first failing step ends the probe; a failed
// delete is reported but does not fail it.
func WriteProbe(ctx context.Context, p provider.Provider, spec Spec) (*Report, error) {
	rep := &Report{Mode: spec.Mode, Results: []CheckResult{}}
	if spec.Mode == ModeOff {
		return rep, nil
	}

	key := path.Join(spec.ProbePrefix, ".viamerun-preflight-"+uuid.NewString())
	rep.ProbeKey = key

	err := p.PutObject(ctx, key, strings.NewReader(ProbeBody), int64(len(ProbeBody)))
	rep.add(CapTargetWrite, "PutObject", err)
	if err != nil {
		return rep, fmt.Errorf("%w: %w", ErrWriteDenied, err)
	}

	meta, err := p.Head(ctx, key)
	if err == nil && meta.Size != int64(len(ProbeBody)) {
		err = fmt.Errorf("probe object has %d bytes, expected %d", meta.Size, len(ProbeBody))
	}
	rep.add(CapTargetHead, "Head", err)
	if err != nil {
		_ = p.DeleteObject(ctx, key)
		return rep, fmt.Errorf("%w: %w", ErrWriteDenied, err)
	}

	rep.add(CapTargetDelete, "DeleteObject", p.DeleteObject(ctx, key))
	return rep, nil
}

func (r *Report) add(capability, method string, err error) {
	res := CheckResult{Capability: capability, Method: method, Allowed: err == nil}
	if err != nil {
		res.ErrorCode = errorCode(err)
		res.Detail = err.Error()
	}
	r.Results = append(r.Results, res)
}

func errorCode(err error) string {
	switch {
	case provider.IsAccessDenied(err):
		return CodeAccessDenied
	case provider.IsNotFound(err):
		return CodeNotFound
	case provider.IsThrottled(err):
		return CodeThrottled
	}
	return CodeInternal
}
