package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

// Kind classifies a pipeline failure.
type Kind int

const (
	// KindConfig: the provider record lacks a base URL or credentials.
	KindConfig Kind = iota
	// KindInvalidRequest: the client body could not be processed.
	KindInvalidRequest
	// KindRedactionBlocked: the redaction policy refused the request.
	KindRedactionBlocked
	// KindNoAvailableProvider: no candidate is left to try.
	KindNoAvailableProvider
	// KindTimeout: the attempt ran past request_timeout_secs.
	KindTimeout
	// KindForwardFailed: connect, reset or other transport failure.
	KindForwardFailed
	// KindUpstreamRetryable: upstream answered 408, 425, 429 or 5xx.
	KindUpstreamRetryable
	// KindUpstream: upstream answered any other non-2xx status.
	KindUpstream
	// KindRectifiable: an Anthropic 4xx the thinking rectifier can repair.
	KindRectifiable
	// KindClientAbort: the downstream connection went away.
	KindClientAbort
	// KindMaxRetriesExceeded: every attempt failed.
	KindMaxRetriesExceeded
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_error"
	case KindInvalidRequest:
		return "invalid_request"
	case KindRedactionBlocked:
		return "redaction_blocked"
	case KindNoAvailableProvider:
		return "no_available_provider"
	case KindTimeout:
		return "timeout"
	case KindForwardFailed:
		return "forward_failed"
	case KindUpstreamRetryable:
		return "upstream_retryable"
	case KindUpstream:
		return "upstream_error"
	case KindRectifiable:
		return "rectifiable_upstream"
	case KindClientAbort:
		return "client_abort"
	case KindMaxRetriesExceeded:
		return "max_retries_exceeded"
	}
	return "unknown"
}

// Retryable reports whether the controller moves on to the next candidate.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindForwardFailed, KindUpstreamRetryable:
		return true
	}
	return false
}

// StatusClientClosed is logged for requests whose client disconnected.
const StatusClientClosed = 499

// Error is the single failure type of the pipeline.
type Error struct {
	Kind Kind

	// Status is the HTTP status the client receives. For upstream errors it
	// is the upstream status.
	Status int

	// Body is the upstream error body, relayed verbatim when set.
	Body        []byte
	ContentType string

	Provider string

	// Reason is a short machine-readable detail, e.g. "limits_exhausted".
	Reason string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Provider != "" {
		fmt.Fprintf(&b, " (provider %s)", e.Provider)
	}
	if e.Status != 0 && (e.Kind == KindUpstream || e.Kind == KindUpstreamRetryable || e.Kind == KindRectifiable) {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus implements providers.StatusCoder.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindInvalidRequest, KindRedactionBlocked:
		return http.StatusBadRequest
	case KindNoAvailableProvider:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindClientAbort:
		return StatusClientClosed
	}
	return http.StatusBadGateway
}

var _ providers.StatusCoder = (*Error)(nil)

// retryableStatus reports whether an upstream status warrants failover.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500 && status < 600
}

// classifyTransport maps an error from http.Client.Do or a body read.
// parent is the request-scoped context; attempt carries the timeout.
func classifyTransport(parent, attempt context.Context, provider string, err error) *Error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &Error{Kind: KindClientAbort, Provider: provider, Err: err}
	case errors.Is(err, context.DeadlineExceeded) || attempt.Err() != nil:
		return &Error{Kind: KindTimeout, Provider: provider, Err: err}
	}
	return &Error{Kind: KindForwardFailed, Provider: provider, Err: err}
}

// outcome is the short label used in logs and metrics.
func outcome(err *Error) string {
	if err == nil {
		return "success"
	}
	switch err.Kind {
	case KindUpstream, KindUpstreamRetryable, KindRectifiable:
		return fmt.Sprintf("http_%d", err.Status)
	}
	return err.Kind.String()
}

// asError normalises any error into *Error.
func asError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindForwardFailed, Err: err}
}
