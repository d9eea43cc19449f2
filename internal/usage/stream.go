package usage

import (
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/switchboard/internal/sse"
)

// Meter accumulates usage across the frames of one streamed response. It
// keeps counters only; generated text is measured, not retained.
type Meter struct {
	format Format
	u      Usage
}

// NewMeter returns a meter for streams in format f.
func NewMeter(f Format) *Meter {
	return &Meter{format: f}
}

// Observe folds one SSE event into the running totals. Frames that are not
// JSON (keep-alives, [DONE]) are ignored.
func (m *Meter) Observe(ev sse.Event) {
	if ev.IsDone() || !gjson.ValidBytes(ev.Data) {
		return
	}
	root := gjson.ParseBytes(ev.Data)
	switch m.format {
	case FormatAnthropic:
		m.observeAnthropic(ev.Name, root)
	case FormatOpenAIChat:
		m.observeOpenAIChat(root)
	case FormatOpenAIResponses:
		m.observeResponses(ev.Name, root)
	case FormatGemini:
		m.observeGemini(root)
	}
}

// Usage returns the accumulated usage. Call Finalize on it to apply the
// estimator fallback.
func (m *Meter) Usage() Usage { return m.u }

func (m *Meter) observeAnthropic(name string, root gjson.Result) {
	typ := root.Get("type").String()
	if typ == "" {
		typ = name
	}
	switch typ {
	case "message_start":
		msg := root.Get("message")
		if model := msg.Get("model").String(); model != "" {
			m.u.Model = model
		}
		applyAnthropic(&m.u, msg.Get("usage"), false)
	case "message_delta":
		usage := root.Get("usage")
		if v, ok := intField(usage, "output_tokens"); ok {
			m.u.Output, m.u.HasOutput = v, true
		}
		// Some gateways only report input on the final delta.
		if v, ok := intField(usage, "input_tokens"); ok && v > 0 {
			m.u.Input, m.u.HasInput = v, true
		}
		if v, ok := intField(usage, "cache_read_input_tokens"); ok && v > 0 {
			m.u.CacheRead = v
		}
		if v, ok := intField(usage, "cache_creation_input_tokens"); ok && v > 0 {
			m.u.CacheCreation = v
		}
	case "content_block_delta":
		d := root.Get("delta")
		m.u.OutputBytes += int64(len(d.Get("text").String()))
		m.u.OutputBytes += int64(len(d.Get("thinking").String()))
		m.u.OutputBytes += int64(len(d.Get("partial_json").String()))
	}
}

func (m *Meter) observeOpenAIChat(root gjson.Result) {
	if model := root.Get("model").String(); model != "" {
		m.u.Model = model
	}
	applyOpenAIChat(&m.u, root.Get("usage"))
	root.Get("choices").ForEach(func(_, c gjson.Result) bool {
		d := c.Get("delta")
		m.u.OutputBytes += int64(len(d.Get("content").String()))
		m.u.OutputBytes += int64(len(d.Get("reasoning").String()))
		m.u.OutputBytes += int64(len(d.Get("reasoning_content").String()))
		d.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			m.u.OutputBytes += int64(len(tc.Get("function.arguments").String()))
			return true
		})
		return true
	})
}

func (m *Meter) observeResponses(name string, root gjson.Result) {
	typ := root.Get("type").String()
	if typ == "" {
		typ = name
	}
	switch typ {
	case "response.output_text.delta", "response.function_call_arguments.delta",
		"response.reasoning_summary_text.delta":
		m.u.OutputBytes += int64(len(root.Get("delta").String()))
	case "response.created", "response.in_progress":
		if model := root.Get("response.model").String(); model != "" {
			m.u.Model = model
		}
	case "response.completed", "response.incomplete", "response.failed":
		resp := root.Get("response")
		if model := resp.Get("model").String(); model != "" {
			m.u.Model = model
		}
		applyResponses(&m.u, resp.Get("usage"))
	}
}

func (m *Meter) observeGemini(root gjson.Result) {
	if model := root.Get("modelVersion").String(); model != "" {
		m.u.Model = model
	}
	// usageMetadata is cumulative; the last frame wins.
	applyGemini(&m.u, root.Get("usageMetadata"))
	m.u.OutputBytes += geminiTextBytes(root)
}
