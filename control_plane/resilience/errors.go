package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure for retry decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindConnection
	KindNetwork
	KindTimeout
	KindDNS
	KindRateLimit
	KindServiceUnavailable
	KindGatewayTimeout
	KindConfiguration
	KindValidation
	KindResourceNotFound
	KindBadRequest
	KindFingerprintMismatch
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindDNS:
		return "dns"
	case KindRateLimit:
		return "rate_limit"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindGatewayTimeout:
		return "gateway_timeout"
	case KindConfiguration:
		return "configuration"
	case KindValidation:
		return "validation"
	case KindResourceNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindFingerprintMismatch:
		return "fingerprint_mismatch"
	default:
		return "unknown"
	}
}

// Error is a classified failure with the operation and resource it concerns.
type Error struct {
	Kind     Kind
	Op       string
	Resource string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Kind, e.Op, e.Resource, msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithResource returns a copy of e naming the affected resource.
func (e *Error) WithResource(resource string) *Error {
	c := *e
	c.Resource = resource
	return &c
}

// KindOf extracts the classification of err. Unclassified context and
// network errors are mapped onto their natural kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether the policy table allows retrying err.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return PolicyFor(KindOf(err)).Retryable
}
