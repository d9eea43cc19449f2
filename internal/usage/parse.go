package usage

import (
	"github.com/tidwall/gjson"
)

// ParseJSON extracts usage from a complete (non-streaming) response body.
func ParseJSON(f Format, body []byte) Usage {
	if !gjson.ValidBytes(body) {
		return Usage{}
	}
	root := gjson.ParseBytes(body)
	var u Usage
	switch f {
	case FormatAnthropic:
		u.Model = root.Get("model").String()
		applyAnthropic(&u, root.Get("usage"), true)
		root.Get("content").ForEach(func(_, block gjson.Result) bool {
			u.OutputBytes += int64(len(block.Get("text").String()))
			u.OutputBytes += int64(len(block.Get("thinking").String()))
			if in := block.Get("input"); in.Exists() {
				u.OutputBytes += int64(len(in.Raw))
			}
			return true
		})
	case FormatOpenAIChat:
		u.Model = root.Get("model").String()
		applyOpenAIChat(&u, root.Get("usage"))
		root.Get("choices").ForEach(func(_, c gjson.Result) bool {
			msg := c.Get("message")
			u.OutputBytes += int64(len(msg.Get("content").String()))
			u.OutputBytes += int64(len(msg.Get("reasoning_content").String()))
			msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				u.OutputBytes += int64(len(tc.Get("function.arguments").String()))
				return true
			})
			return true
		})
	case FormatOpenAIResponses:
		u.Model = root.Get("model").String()
		applyResponses(&u, root.Get("usage"))
		root.Get("output").ForEach(func(_, item gjson.Result) bool {
			u.OutputBytes += int64(len(item.Get("arguments").String()))
			item.Get("content").ForEach(func(_, c gjson.Result) bool {
				u.OutputBytes += int64(len(c.Get("text").String()))
				return true
			})
			return true
		})
	case FormatGemini:
		// streamGenerateContent without alt=sse answers with a JSON array of
		// chunks; the last usageMetadata is cumulative.
		chunks := []gjson.Result{root}
		if root.IsArray() {
			chunks = root.Array()
		}
		for _, c := range chunks {
			if v := c.Get("modelVersion").String(); v != "" {
				u.Model = v
			}
			applyGemini(&u, c.Get("usageMetadata"))
			u.OutputBytes += geminiTextBytes(c)
		}
	}
	return u
}

// applyAnthropic reads an Anthropic usage object. withOutput is false for
// message_start, whose output_tokens is a placeholder.
func applyAnthropic(u *Usage, usage gjson.Result, withOutput bool) {
	if !usage.Exists() {
		return
	}
	if v, ok := intField(usage, "input_tokens"); ok {
		u.Input, u.HasInput = v, true
	}
	if withOutput {
		if v, ok := intField(usage, "output_tokens"); ok {
			u.Output, u.HasOutput = v, true
		}
	}
	if v, ok := intField(usage, "cache_read_input_tokens"); ok {
		u.CacheRead = v
	}
	if v, ok := intField(usage, "cache_creation_input_tokens"); ok {
		u.CacheCreation = v
	}
}

func applyOpenAIChat(u *Usage, usage gjson.Result) {
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	if v, ok := intField(usage, "prompt_tokens"); ok {
		u.Input, u.HasInput = v, true
	}
	if v, ok := intField(usage, "completion_tokens"); ok {
		u.Output, u.HasOutput = v, true
	}
}

// applyResponses reads a Responses API usage object. Cached input is billed
// as cache-read and removed from the plain input count.
func applyResponses(u *Usage, usage gjson.Result) {
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	cached, _ := intField(usage, "input_tokens_details.cached_tokens")
	if v, ok := intField(usage, "input_tokens"); ok {
		u.Input, u.HasInput = clampSub(v, cached), true
		u.CacheRead = cached
	}
	if v, ok := intField(usage, "output_tokens"); ok {
		u.Output, u.HasOutput = v, true
	}
}

// applyGemini reads usageMetadata. Thinking tokens are billed as output and
// cached content as cache-read.
func applyGemini(u *Usage, meta gjson.Result) {
	if !meta.Exists() || meta.Type == gjson.Null {
		return
	}
	cached, _ := intField(meta, "cachedContentTokenCount")
	if v, ok := intField(meta, "promptTokenCount"); ok {
		u.Input, u.HasInput = clampSub(v, cached), true
		u.CacheRead = cached
	}
	out, hasOut := intField(meta, "candidatesTokenCount")
	thoughts, hasThoughts := intField(meta, "thoughtsTokenCount")
	if hasOut || hasThoughts {
		u.Output, u.HasOutput = out+thoughts, true
	}
}

func geminiTextBytes(root gjson.Result) int64 {
	var n int64
	root.Get("candidates").ForEach(func(_, c gjson.Result) bool {
		c.Get("content.parts").ForEach(func(_, p gjson.Result) bool {
			n += int64(len(p.Get("text").String()))
			if fc := p.Get("functionCall"); fc.Exists() {
				n += int64(len(fc.Raw))
			}
			return true
		})
		return true
	})
	return n
}
