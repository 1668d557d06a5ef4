package atoll

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrLLM reports a provider-level failure (marshalling, decoding, refusals).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-200 response from an LLM API. RetryAfter is parsed
// from the Retry-After header when the server supplied one (429/503).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// FaultCode identifies a domain failure surfaced to the orchestrator LLM as
// tool-result text. Codes are stable: the nudge table keys on them.
type FaultCode string

const (
	FaultCircuitOpen       FaultCode = "circuit_breaker_open"
	FaultLimitExceeded     FaultCode = "limit_exceeded"
	FaultContextBudget     FaultCode = "context_budget_exceeded"
	FaultSkillNotFound     FaultCode = "skill_not_found"
	FaultUnknownDependency FaultCode = "unknown_dependency"
	FaultCycleDetected     FaultCode = "cycle_detected"
	FaultNotAwaiting       FaultCode = "not_awaiting"
	FaultNotFound          FaultCode = "not_found"
)

// Fault is a structured domain failure. Details carries the values a nudge
// template may interpolate (counts, names, per-file breakdowns).
type Fault struct {
	Code    FaultCode
	Message string
	Details map[string]any
}

func (f *Fault) Error() string {
	if len(f.Details) == 0 {
		return fmt.Sprintf("%s: %s", f.Code, f.Message)
	}
	keys := make([]string, 0, len(f.Details))
	for k := range f.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (", f.Code, f.Message)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%v", k, f.Details[k])
	}
	b.WriteString(")")
	return b.String()
}

// NewFault builds a Fault. details may be nil.
func NewFault(code FaultCode, message string, details map[string]any) *Fault {
	return &Fault{Code: code, Message: message, Details: details}
}

// AsFault unwraps err to a *Fault if one is in the chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsFault reports whether err carries the given fault code.
func IsFault(err error, code FaultCode) bool {
	f, ok := AsFault(err)
	return ok && f.Code == code
}
