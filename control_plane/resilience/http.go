package resilience

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// FromHTTPStatus maps a non-2xx response status onto the taxonomy.
func FromHTTPStatus(op string, status int, body string) *Error {
	msg := strings.TrimSpace(body)
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuthentication
	case status == http.StatusNotFound:
		kind = KindResourceNotFound
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusServiceUnavailable:
		kind = KindServiceUnavailable
	case status == http.StatusGatewayTimeout:
		kind = KindGatewayTimeout
	case status == http.StatusRequestTimeout:
		kind = KindTimeout
	case status == http.StatusBadGateway:
		kind = KindConnection
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || status == http.StatusConflict:
		kind = KindBadRequest
	case status >= 500:
		kind = KindServiceUnavailable
	default:
		kind = KindBadRequest
	}
	return &Error{Kind: kind, Op: op, Message: msg}
}

// FromTransport classifies an error returned by an http.Client call.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindNetwork
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
