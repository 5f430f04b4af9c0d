// Package faults defines the closed set of failure classes used by the
// resilience layer. Errors are tagged once, at the point of failure (usually
// inside the driver adapter), and classified everywhere else with errors.As.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies one failure class.
type Kind int

const (
	// KindUnknown covers errors produced outside the tagged taxonomy.
	KindUnknown Kind = iota
	KindInitialization
	KindNavigation
	KindTimeout
	KindConnection
	KindDetachedSession
	KindCaptcha
	KindQueueCapacity
	KindCircuitOpen
	KindHealthCheckTimeout
	KindPoolExhausted
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindNavigation:
		return "navigation"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindDetachedSession:
		return "detached_session"
	case KindCaptcha:
		return "captcha"
	case KindQueueCapacity:
		return "queue_capacity"
	case KindCircuitOpen:
		return "circuit_open"
	case KindHealthCheckTimeout:
		return "health_check_timeout"
	case KindPoolExhausted:
		return "pool_exhausted"
	default:
		return "unknown"
	}
}

// Fault is the tagged error carried through the retry/recovery machinery.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		if f.Msg != "" {
			return f.Msg + ": " + f.Err.Error()
		}
		return f.Err.Error()
	}
	return f.Msg
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a tagged fault with a message only.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Newf creates a tagged fault with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a failure class. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the failure class from an error chain. Errors that never
// passed through the driver adapter fall back to string inspection so that
// raw protocol errors from the backend are still recognized.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return classifyMessage(err.Error())
}

// Is lets errors.Is match faults by kind sentinel.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// detachedMarkers are the protocol-level messages the rendering backend emits
// when the frame, target or devtools session has gone away underneath us.
var detachedMarkers = []string{
	"frame",
	"detached",
	"session closed",
	"target closed",
	"protocol error",
}

// classifyMessage applies the legacy substring rules to an untagged error.
// Order matters: detached/protocol markers dominate every other class.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, marker := range detachedMarkers {
		if strings.Contains(lower, marker) {
			return KindDetachedSession
		}
	}
	switch {
	case strings.Contains(lower, "captcha") || strings.Contains(lower, "challenge"):
		return KindCaptcha
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(lower, "navigation") || strings.Contains(lower, "net::err"):
		return KindNavigation
	case strings.Contains(lower, "connection") || strings.Contains(lower, "websocket") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "connection refused"):
		return KindConnection
	default:
		return KindUnknown
	}
}

// Analysis is the per-attempt classification snapshot threaded through a
// retry loop by the caller. The consecutive counters live on the loop, not
// on the error.
type Analysis struct {
	IsTimeout       bool
	IsNavigation    bool
	IsConnection    bool
	IsDetachedFrame bool
	IsCaptcha       bool

	ConsecutiveTimeouts         int
	ConsecutiveNavigationErrors int
}

// Analyze classifies a single error into flat flags. Exactly one of the
// class flags is set for a recognized error, none for an unknown one.
func Analyze(err error) Analysis {
	a := Analysis{}
	switch KindOf(err) {
	case KindDetachedSession:
		a.IsDetachedFrame = true
	case KindCaptcha:
		a.IsCaptcha = true
	case KindTimeout:
		a.IsTimeout = true
	case KindNavigation:
		a.IsNavigation = true
	case KindConnection:
		a.IsConnection = true
	}
	return a
}
