package apierr

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestBody(t *testing.T) {
	cases := []struct {
		name string
		d    Dialect
		want string
	}{
		{"anthropic", DialectAnthropic, `{"type":"error","error":{"type":"rate_limit_error","message":"slow"}}`},
		{"openai", DialectOpenAI, `{"error":{"message":"slow","type":"rate_limit_error","code":"rate_limit_exceeded"}}`},
		{"gemini", DialectGemini, `{"error":{"code":429,"message":"slow","status":"RESOURCE_EXHAUSTED"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := string(Body(tc.d, 429, TypeRateLimitError, "slow"))
			if got != tc.want {
				t.Fatalf("Body = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWriteRateLimit(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteRateLimit(ctx, DialectOpenAI, 60)
	if ctx.Response.StatusCode() != 429 {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Fatalf("Retry-After = %q", got)
	}
	var env struct {
		Error struct{ Code string } `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != CodeRateLimitExceeded {
		t.Fatalf("code = %q", env.Error.Code)
	}
}

func TestSSE(t *testing.T) {
	frame := string(SSE(DialectAnthropic, 502, TypeProviderError, "boom"))
	if !strings.HasPrefix(frame, "event: error\ndata: {") || !strings.HasSuffix(frame, "}\n\n") {
		t.Fatalf("anthropic frame = %q", frame)
	}
	frame = string(SSE(DialectOpenAI, 502, TypeProviderError, "boom"))
	if strings.Contains(frame, "event:") {
		t.Fatalf("openai frame must be unnamed: %q", frame)
	}
}

func TestTypeForStatus(t *testing.T) {
	cases := map[int]string{
		400: TypeInvalidRequest,
		401: TypeAuthenticationErr,
		404: TypeNotFound,
		429: TypeRateLimitError,
		500: TypeServerError,
		502: TypeProviderError,
		503: TypeOverloaded,
		504: TypeTimeout,
	}
	for status, want := range cases {
		if got := TypeForStatus(status); got != want {
			t.Errorf("TypeForStatus(%d) = %q, want %q", status, got, want)
		}
	}
}
