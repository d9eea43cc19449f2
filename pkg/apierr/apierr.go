// Package apierr writes client-facing error envelopes in the dialect of the
// surface the client is speaking: Anthropic messages, OpenAI, or Google
// generative language.
package apierr

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Dialect selects the error envelope shape.
type Dialect int

const (
	DialectAnthropic Dialect = iota
	DialectOpenAI
	DialectGemini
)

// ErrorType constants. Anthropic uses them verbatim; OpenAI carries them in
// "type" with a matching "code".
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeOverloaded        = "overloaded_error"
	TypeTimeout           = "timeout_error"
	TypeServerError       = "api_error"
)

// Code constants for the OpenAI dialect.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeUnavailable       = "service_unavailable"
)

var codeOf = map[string]string{
	TypeInvalidRequest:    CodeInvalidRequest,
	TypeAuthenticationErr: "invalid_api_key",
	TypeNotFound:          CodeNotFound,
	TypeRateLimitError:    CodeRateLimitExceeded,
	TypeProviderError:     CodeProviderError,
	TypeOverloaded:        CodeUnavailable,
	TypeTimeout:           CodeRequestTimeout,
	TypeServerError:       CodeInternalError,
}

type (
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	openAIEnvelope struct {
		Error openAIError `json:"error"`
	}
	openAIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	geminiEnvelope struct {
		Error geminiError `json:"error"`
	}
	geminiError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	}
)

// Body renders the error envelope.
func Body(d Dialect, status int, errType, message string) []byte {
	var v any
	switch d {
	case DialectOpenAI:
		code := codeOf[errType]
		if code == "" {
			code = CodeInternalError
		}
		v = openAIEnvelope{Error: openAIError{Message: message, Type: errType, Code: code}}
	case DialectGemini:
		v = geminiEnvelope{Error: geminiError{Code: status, Message: message, Status: GRPCStatus(status)}}
	default:
		v = anthropicEnvelope{Type: "error", Error: anthropicError{Type: errType, Message: message}}
	}
	b, _ := json.Marshal(v)
	return b
}

// Write sets status, content type and the envelope on ctx.
func Write(ctx *fasthttp.RequestCtx, d Dialect, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(d, status, errType, message))
}

// WriteRaw relays an upstream error body unchanged with its status.
func WriteRaw(ctx *fasthttp.RequestCtx, status int, contentType string, body []byte) {
	if contentType == "" {
		contentType = "application/json"
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType(contentType)
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx, d Dialect, retryAfterSecs int) {
	if retryAfterSecs > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSecs))
	}
	Write(ctx, d, fasthttp.StatusTooManyRequests, TypeRateLimitError, "rate limit exceeded")
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, d Dialect) {
	Write(ctx, d, fasthttp.StatusGatewayTimeout, TypeTimeout, "provider request timed out")
}

// SSE renders a terminal error frame for a stream already in progress.
// Anthropic streams get a named "error" event; the others a bare data frame
// carrying the JSON envelope.
func SSE(d Dialect, status int, errType, message string) []byte {
	var buf bytes.Buffer
	if d == DialectAnthropic {
		buf.WriteString("event: error\n")
	}
	buf.WriteString("data: ")
	buf.Write(Body(d, status, errType, message))
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// TypeForStatus picks an error type for an HTTP status.
func TypeForStatus(status int) string {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return TypeInvalidRequest
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return TypeAuthenticationErr
	case status == http.StatusNotFound:
		return TypeNotFound
	case status == http.StatusTooManyRequests:
		return TypeRateLimitError
	case status == http.StatusServiceUnavailable:
		return TypeOverloaded
	case status == http.StatusGatewayTimeout:
		return TypeTimeout
	case status == http.StatusBadGateway:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// GRPCStatus maps an HTTP status to the canonical status name Google APIs
// put in error.status.
func GRPCStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	case 499:
		return "CANCELLED"
	default:
		return "INTERNAL"
	}
}
