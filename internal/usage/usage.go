// Package usage extracts token counts from upstream responses, prices them
// and records them in the ledger.
package usage

import (
	"github.com/tidwall/gjson"
)

// Format identifies the upstream response dialect.
type Format int

const (
	FormatAnthropic Format = iota
	FormatOpenAIChat
	FormatOpenAIResponses
	FormatGemini
)

func (f Format) String() string {
	switch f {
	case FormatAnthropic:
		return "anthropic"
	case FormatOpenAIChat:
		return "openai_chat"
	case FormatOpenAIResponses:
		return "openai_responses"
	case FormatGemini:
		return "gemini"
	}
	return "unknown"
}

// Tokens are the four billed token categories.
type Tokens struct {
	Input         int64 `json:"inputTokens"`
	Output        int64 `json:"outputTokens"`
	CacheRead     int64 `json:"cacheReadTokens"`
	CacheCreation int64 `json:"cacheCreationTokens"`
}

// Usage is what a response reported. HasInput/HasOutput record whether the
// upstream supplied the field, so the estimator only fills gaps.
type Usage struct {
	Tokens
	HasInput  bool
	HasOutput bool

	// Model is the model id echoed by the upstream, if any.
	Model string

	// OutputBytes is the UTF-8 size of generated text seen in the body.
	OutputBytes int64
}

// Finalize applies the fallback policy: output tokens missing from the
// upstream are estimated from OutputBytes; missing input stays zero.
func (u Usage) Finalize() Tokens {
	t := u.Tokens
	if !u.HasOutput {
		t.Output = EstimateTokens(u.OutputBytes)
	}
	if !u.HasInput {
		t.Input = 0
	}
	return t
}

// EstimateTokens approximates a token count as ceil(bytes / 4).
func EstimateTokens(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}

func intField(r gjson.Result, path string) (int64, bool) {
	v := r.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return 0, false
	}
	return v.Int(), true
}

func clampSub(a, b int64) int64 {
	if b > a {
		return 0
	}
	return a - b
}
