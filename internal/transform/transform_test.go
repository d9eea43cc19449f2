package transform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/switchboard/internal/sse"
)

func upstream(frames ...string) string {
	var b strings.Builder
	for _, f := range frames {
		b.WriteString("data: ")
		b.WriteString(f)
		b.WriteString("\n\n")
	}
	return b.String()
}

func collect(t *testing.T, body string) []sse.Event {
	t.Helper()
	var got []sse.Event
	err := Stream(context.Background(), strings.NewReader(body), func(ev sse.Event) error {
		got = append(got, ev)
		return nil
	}, "fallback-model")
	require.NoError(t, err)
	return got
}

func names(evs []sse.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Name
	}
	return out
}

func TestStream_ToolCall(t *testing.T) {
	body := upstream(
		`{"id":"r1","choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"t1","function":{"name":"run"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":1}"}}]}}]}`,
		`{"choices":[{"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	evs := collect(t, body)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names(evs))

	assert.Equal(t, "msg_r1", gjson.GetBytes(evs[0].Data, "message.id").String())
	assert.Equal(t, "fallback-model", gjson.GetBytes(evs[0].Data, "message.model").String())

	assert.Equal(t, int64(0), gjson.GetBytes(evs[1].Data, "index").Int())
	assert.Equal(t, "text", gjson.GetBytes(evs[1].Data, "content_block.type").String())
	assert.Equal(t, "Hi", gjson.GetBytes(evs[2].Data, "delta.text").String())
	assert.Equal(t, int64(0), gjson.GetBytes(evs[3].Data, "index").Int())

	assert.Equal(t, int64(1), gjson.GetBytes(evs[4].Data, "index").Int())
	assert.Equal(t, "tool_use", gjson.GetBytes(evs[4].Data, "content_block.type").String())
	assert.Equal(t, "t1", gjson.GetBytes(evs[4].Data, "content_block.id").String())
	assert.Equal(t, "run", gjson.GetBytes(evs[4].Data, "content_block.name").String())
	assert.Equal(t, "input_json_delta", gjson.GetBytes(evs[5].Data, "delta.type").String())
	assert.Equal(t, `{"x":1}`, gjson.GetBytes(evs[5].Data, "delta.partial_json").String())
	assert.Equal(t, int64(1), gjson.GetBytes(evs[6].Data, "index").Int())

	assert.Equal(t, "tool_use", gjson.GetBytes(evs[7].Data, "delta.stop_reason").String())
}

func TestStream_BlocksArePairedAndDense(t *testing.T) {
	body := upstream(
		`{"id":"r2","model":"gpt-x","choices":[{"delta":{"reasoning":"think"}}]}`,
		`{"choices":[{"delta":{"reasoning":" more"}}]}`,
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"p\""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"tb","function":{"name":"b","arguments":":2}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"ta","function":{"name":"a","arguments":"{}"}}]}}]}`,
		`{"choices":[{"delta":{"content":"tail"}}]}`,
		`{"choices":[{"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":7}}`,
		`[DONE]`,
	)
	evs := collect(t, body)

	require.NotEmpty(t, evs)
	assert.Equal(t, "message_start", evs[0].Name)
	assert.Equal(t, "message_stop", evs[len(evs)-1].Name)
	assert.Equal(t, "gpt-x", gjson.GetBytes(evs[0].Data, "message.model").String())

	starts := assertPaired(t, evs)
	for i, idx := range starts {
		assert.Equal(t, int64(i), idx)
	}
	assert.Len(t, starts, 5)

	// Arguments seen before the id are flushed after the tool block opens.
	var partial []string
	for _, ev := range evs {
		if gjson.GetBytes(ev.Data, "delta.type").String() == "input_json_delta" {
			partial = append(partial, gjson.GetBytes(ev.Data, "delta.partial_json").String())
		}
	}
	assert.Equal(t, []string{`{"p":2}`, `{}`}, partial)

	delta := evs[len(evs)-2]
	assert.Equal(t, "message_delta", delta.Name)
	assert.Equal(t, "end_turn", gjson.GetBytes(delta.Data, "delta.stop_reason").String())
	assert.Equal(t, int64(11), gjson.GetBytes(delta.Data, "usage.input_tokens").Int())
	assert.Equal(t, int64(7), gjson.GetBytes(delta.Data, "usage.output_tokens").Int())
}

// assertPaired checks that every block start is matched by exactly one stop,
// that deltas only target open blocks, and returns the start indices.
func assertPaired(t *testing.T, evs []sse.Event) []int64 {
	t.Helper()
	open := map[int64]bool{}
	var starts []int64
	for _, ev := range evs {
		idx := gjson.GetBytes(ev.Data, "index").Int()
		switch ev.Name {
		case "content_block_start":
			require.False(t, open[idx], "block %d started twice", idx)
			open[idx] = true
			starts = append(starts, idx)
		case "content_block_delta":
			require.True(t, open[idx], "delta for closed block %d", idx)
		case "content_block_stop":
			require.True(t, open[idx], "stop for closed block %d", idx)
			delete(open, idx)
		}
	}
	assert.Empty(t, open)
	return starts
}

func TestStream_InterleavedToolArguments(t *testing.T) {
	body := upstream(
		`{"id":"r3","choices":[{"delta":{"tool_calls":[{"index":0,"id":"ta","function":{"name":"a","arguments":"{\"p\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"id":"tb","function":{"name":"b","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":1,"function":{"arguments":"2}"}}]}}]}`,
		`{"choices":[{"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	)
	evs := collect(t, body)

	starts := assertPaired(t, evs)
	assert.Equal(t, []int64{0, 1}, starts)

	args := map[int64]string{}
	var stops []int64
	for _, ev := range evs {
		idx := gjson.GetBytes(ev.Data, "index").Int()
		switch ev.Name {
		case "content_block_delta":
			args[idx] += gjson.GetBytes(ev.Data, "delta.partial_json").String()
		case "content_block_stop":
			stops = append(stops, idx)
		}
	}
	assert.Equal(t, `{"p":1}`, args[0])
	assert.Equal(t, `{"q":2}`, args[1])
	assert.Equal(t, []int64{0, 1}, stops)

	assert.Equal(t, "message_stop", evs[len(evs)-1].Name)
	assert.Equal(t, "tool_use", gjson.GetBytes(evs[len(evs)-2].Data, "delta.stop_reason").String())
}

func TestStream_EOFWithoutDone(t *testing.T) {
	evs := collect(t, upstream(`{"id":"r3","choices":[{"delta":{"content":"x"},"finish_reason":"length"}]}`))
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, names(evs))
	assert.Equal(t, "max_tokens", gjson.GetBytes(evs[4].Data, "delta.stop_reason").String())
}

func TestStream_UpstreamErrorChunk(t *testing.T) {
	evs := collect(t, upstream(
		`{"id":"r4","choices":[{"delta":{"content":"x"}}]}`,
		`{"error":{"message":"overloaded"}}`,
		`{"choices":[{"delta":{"content":"ignored"}}]}`,
	))
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last.Name)
	assert.Equal(t, "overloaded", gjson.GetBytes(last.Data, "error.message").String())
	for _, ev := range evs {
		assert.NotContains(t, string(ev.Data), "ignored")
	}
}

func TestStream_EmptyUpstream(t *testing.T) {
	evs := collect(t, "")
	require.Len(t, evs, 1)
	assert.Equal(t, "error", evs[0].Name)
}

func TestStream_EmitErrorStops(t *testing.T) {
	boom := errors.New("client gone")
	calls := 0
	err := Stream(context.Background(), strings.NewReader(upstream(
		`{"id":"r5","choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	)), func(sse.Event) error {
		calls++
		return boom
	}, "m")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestStopReason(t *testing.T) {
	assert.Equal(t, "end_turn", StopReason("stop"))
	assert.Equal(t, "max_tokens", StopReason("length"))
	assert.Equal(t, "tool_use", StopReason("tool_calls"))
	assert.Equal(t, "end_turn", StopReason("content_filter"))
}

func TestRequest(t *testing.T) {
	in := `{
		"model":"claude-sonnet-4-5","max_tokens":256,"stream":true,"temperature":0.2,
		"system":[{"type":"text","text":"be brief"},{"type":"text","text":"be kind"}],
		"stop_sequences":["END"],
		"metadata":{"user_id":"u1"},
		"tools":[{"name":"run","description":"run it","input_schema":{"type":"object","properties":{"cmd":{"type":"string"}}}}],
		"tool_choice":{"type":"tool","name":"run"},
		"messages":[
			{"role":"user","content":"hello"},
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"hm","signature":"s"},
				{"type":"text","text":"calling"},
				{"type":"tool_use","id":"t1","name":"run","input":{"cmd":"ls"}}]},
			{"role":"user","content":[
				{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a.txt"}]},
				{"type":"text","text":"next"},
				{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAA"}}]}
		]}`

	out, err := Request([]byte(in), "gpt-5")
	require.NoError(t, err)
	r := gjson.ParseBytes(out)

	assert.Equal(t, "gpt-5", r.Get("model").String())
	assert.Equal(t, int64(256), r.Get("max_tokens").Int())
	assert.True(t, r.Get("stream").Bool())
	assert.True(t, r.Get("stream_options.include_usage").Bool())
	assert.Equal(t, 0.2, r.Get("temperature").Float())
	assert.Equal(t, "END", r.Get("stop.0").String())
	assert.Equal(t, "u1", r.Get("user").String())

	msgs := r.Get("messages").Array()
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Get("role").String())
	assert.Equal(t, "be brief\n\nbe kind", msgs[0].Get("content").String())
	assert.Equal(t, "hello", msgs[1].Get("content").String())

	assert.Equal(t, "assistant", msgs[2].Get("role").String())
	assert.Equal(t, "calling", msgs[2].Get("content").String())
	assert.Equal(t, "t1", msgs[2].Get("tool_calls.0.id").String())
	assert.JSONEq(t, `{"cmd":"ls"}`, msgs[2].Get("tool_calls.0.function.arguments").String())
	assert.NotContains(t, msgs[2].Raw, "thinking")

	assert.Equal(t, "tool", msgs[3].Get("role").String())
	assert.Equal(t, "t1", msgs[3].Get("tool_call_id").String())
	assert.Equal(t, "a.txt", msgs[3].Get("content").String())

	assert.Equal(t, "user", msgs[4].Get("role").String())
	assert.Equal(t, "next", msgs[4].Get("content.0.text").String())
	assert.Equal(t, "data:image/png;base64,AAA", msgs[4].Get("content.1.image_url.url").String())

	assert.Equal(t, "function", r.Get("tools.0.type").String())
	assert.Equal(t, "run", r.Get("tools.0.function.name").String())
	assert.Equal(t, "object", r.Get("tools.0.function.parameters.type").String())
	assert.Equal(t, "run", r.Get("tool_choice.function.name").String())
}

func TestToolResultText_DropsNonTextParts(t *testing.T) {
	raw := []byte(`[{"type":"text","text":"one"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"AAA"}},{"type":"text","text":"two"}]`)
	assert.Equal(t, "one\ntwo", toolResultText(raw))
	assert.Equal(t, "plain", toolResultText([]byte(`"plain"`)))
}

func TestRequest_KeepsModelAndRejectsGarbage(t *testing.T) {
	out, err := Request([]byte(`{"model":"m1","messages":[{"role":"user","content":"x"}]}`), "")
	require.NoError(t, err)
	assert.Equal(t, "m1", gjson.GetBytes(out, "model").String())
	assert.False(t, gjson.GetBytes(out, "stream_options").Exists())

	_, err = Request([]byte(`{"messages":"nope"`), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResponse(t *testing.T) {
	in := `{"id":"chatcmpl-1","model":"gpt-5","choices":[{"index":0,"message":{"role":"assistant",
		"reasoning_content":"because","content":"done",
		"tool_calls":[{"id":"c1","type":"function","function":{"name":"run","arguments":"{\"a\":1}"}}]},
		"finish_reason":"tool_calls"}],
		"usage":{"prompt_tokens":20,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":4}}}`

	out, err := Response([]byte(in), "")
	require.NoError(t, err)
	r := gjson.ParseBytes(out)

	assert.Equal(t, "msg_chatcmpl-1", r.Get("id").String())
	assert.Equal(t, "message", r.Get("type").String())
	assert.Equal(t, "gpt-5", r.Get("model").String())
	assert.Equal(t, "tool_use", r.Get("stop_reason").String())
	assert.Equal(t, "thinking", r.Get("content.0.type").String())
	assert.Equal(t, "done", r.Get("content.1.text").String())
	assert.Equal(t, "c1", r.Get("content.2.id").String())
	assert.Equal(t, int64(1), r.Get("content.2.input.a").Int())
	assert.Equal(t, int64(16), r.Get("usage.input_tokens").Int())
	assert.Equal(t, int64(4), r.Get("usage.cache_read_input_tokens").Int())
	assert.Equal(t, int64(5), r.Get("usage.output_tokens").Int())
}

func TestResponse_BadArguments(t *testing.T) {
	in := `{"choices":[{"message":{"tool_calls":[{"function":{"name":"x","arguments":"not json"}}]},"finish_reason":"stop"}]}`
	out, err := Response([]byte(in), "fallback")
	require.NoError(t, err)
	r := gjson.ParseBytes(out)
	assert.Equal(t, "fallback", r.Get("model").String())
	assert.Equal(t, "not json", r.Get("content.0.input._raw").String())
	assert.True(t, strings.HasPrefix(r.Get("content.0.id").String(), "toolu_"))
	assert.Equal(t, "end_turn", r.Get("stop_reason").String())
}

func TestErrorBody(t *testing.T) {
	out := ErrorBody(429, []byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	assert.JSONEq(t, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`, string(out))

	out = ErrorBody(502, []byte("bad gateway"))
	assert.Equal(t, "api_error", gjson.GetBytes(out, "error.type").String())
	assert.Equal(t, "bad gateway", gjson.GetBytes(out, "error.message").String())
}
