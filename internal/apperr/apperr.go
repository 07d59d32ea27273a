// Package apperr defines the error taxonomy shared by every pipeline stage.
//
// Each error carries a Class that drives retry decisions, the operation that
// produced it, and an optional domain reason (e.g. the revert cause of a
// swap). Classes are recovered with ClassOf, which also understands context
// errors and common JSON-RPC transport failures.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Class is the coarse category of an error.
type Class string

const (
	Transport    Class = "transport"     // IO, timeout, not-connected
	Protocol     Class = "protocol"      // decode, bad ABI
	Validation   Class = "validation"    // bad address, bad config
	Auth         Class = "auth"          // rejected credentials
	RateLimited  Class = "rate_limited"  // 429 / provider throttling
	DomainRevert Class = "domain_revert" // on-chain revert (slippage, deadline, liquidity)
	Fatal        Class = "fatal"         // internal invariant violated
	Canceled     Class = "canceled"      // shutdown or caller cancellation
)

// Error is a classified error.
type Error struct {
	Class  Class
	Op     string // e.g. "executor.snipe"
	Reason string // optional domain reason, e.g. "Slippage"
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	b.WriteString(": ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Reason != "" {
		b.WriteString(e.Reason)
		if e.Err != nil {
			b.WriteString(": ")
		}
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error wrapping err.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Newf returns a classified error with a formatted cause.
func Newf(class Class, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Err: fmt.Errorf(format, args...)}
}

// WithReason returns a classified error with a domain reason.
func WithReason(class Class, op, reason string, err error) *Error {
	return &Error{Class: class, Op: op, Reason: reason, Err: err}
}

// ErrTimeout marks acquisition and wait timeouts.
var ErrTimeout = errors.New("timeout")

// ClassOf returns the class of err. Unclassified errors are inspected for
// context, network and JSON-RPC signatures before falling back to Fatal.
func ClassOf(err error) Class {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.Canceled) {
		return Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return Transport
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transport
	}
	return classifyMessage(err.Error())
}

// ReasonOf returns the domain reason of the outermost classified error.
func ReasonOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// Is reports whether err belongs to class c.
func Is(err error, c Class) bool {
	return err != nil && ClassOf(err) == c
}

func classifyMessage(msg string) Class {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "429"), strings.Contains(m, "rate limit"),
		strings.Contains(m, "too many requests"), strings.Contains(m, "exceeded its compute units"):
		return RateLimited
	case strings.Contains(m, "401"), strings.Contains(m, "403"),
		strings.Contains(m, "unauthorized"), strings.Contains(m, "forbidden"):
		return Auth
	case strings.Contains(m, "timeout"), strings.Contains(m, "connection refused"),
		strings.Contains(m, "connection reset"), strings.Contains(m, "eof"),
		strings.Contains(m, "no such host"), strings.Contains(m, "not connected"),
		strings.Contains(m, "broken pipe"), strings.Contains(m, "502"),
		strings.Contains(m, "503"), strings.Contains(m, "504"):
		return Transport
	case strings.Contains(m, "execution reverted"):
		return DomainRevert
	case strings.Contains(m, "abi:"), strings.Contains(m, "unmarshal"),
		strings.Contains(m, "invalid character"):
		return Protocol
	}
	return Fatal
}

// Summary renders err as "class: one-line cause" for user-facing output.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	cause := err.Error()
	if i := strings.IndexByte(cause, '\n'); i >= 0 {
		cause = cause[:i]
	}
	var ae *Error
	if errors.As(err, &ae) {
		return cause
	}
	return string(ClassOf(err)) + ": " + cause
}
