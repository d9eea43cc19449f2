package intent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

func claudeProvider(id string, env map[string]string, desc string) *providers.Provider {
	settings, _ := json.Marshal(map[string]any{"env": env})
	return &providers.Provider{
		ID:             id,
		AppType:        providers.AppClaude,
		Name:           id,
		SettingsConfig: settings,
		Meta:           providers.Meta{IntentDescription: desc},
	}
}

type fakeCaller struct {
	reply string
	err   error
	calls []string
	body  []byte
	ctx   context.Context
}

func (f *fakeCaller) Call(ctx context.Context, p *providers.Provider, body []byte) ([]byte, error) {
	f.calls = append(f.calls, p.ID)
	f.body = body
	f.ctx = ctx
	if f.err != nil {
		return nil, f.err
	}
	b, _ := json.Marshal(map[string]any{
		"type":    "message",
		"content": []map[string]string{{"type": "text", "text": f.reply}},
	})
	return b, nil
}

var enabled = Settings{Enabled: true}

func TestRoute_ModelPicksCoder(t *testing.T) {
	coder := claudeProvider("coder", map[string]string{"ANTHROPIC_MODEL": "coder-large"}, "coding tasks")
	writer := claudeProvider("writer", map[string]string{"ANTHROPIC_MODEL": "writer-1"}, "")
	writer.Notes = "prose and docs"
	writer.IsCurrent = true

	caller := &fakeCaller{reply: "1\n"}
	r := NewRouter(caller, nil)
	body := []byte(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"help me debug a rust function"}]}`)

	d := r.Route(context.Background(), enabled, body, []*providers.Provider{coder, writer})

	require.True(t, d.Routed)
	assert.Equal(t, "model", d.Method)
	assert.Equal(t, "coder", d.Chosen)
	assert.Equal(t, "coder-large", d.Model)
	assert.Equal(t, []*providers.Provider{coder, writer}, d.Providers)
	assert.Equal(t, "coder-large", gjson.GetBytes(d.Body, "model").String())
	assert.Equal(t, int64(100), gjson.GetBytes(d.Body, "max_tokens").Int())

	// The current provider answers the routing question.
	assert.Equal(t, []string{"writer"}, caller.calls)
	assert.True(t, IsRoutingCall(caller.ctx))
	_, hasDeadline := caller.ctx.Deadline()
	assert.True(t, hasDeadline)

	req := gjson.ParseBytes(caller.body)
	assert.Equal(t, int64(16), req.Get("max_tokens").Int())
	assert.False(t, req.Get("stream").Bool())
	assert.Equal(t, "writer-1", req.Get("model").String())
	prompt := req.Get("messages.0.content").String()
	assert.Contains(t, prompt, "1. coder-large - coding tasks")
	assert.Contains(t, prompt, "2. writer-1 - prose and docs")
	assert.Contains(t, prompt, "Request size: short")
	assert.Contains(t, prompt, "help me debug a rust function")
}

func TestRoute_SecondCandidateMovesToFront(t *testing.T) {
	a := claudeProvider("a", map[string]string{"ANTHROPIC_MODEL": "ma"}, "")
	b := claudeProvider("b", map[string]string{"ANTHROPIC_MODEL": "mb"}, "")
	c := claudeProvider("c", map[string]string{"ANTHROPIC_MODEL": "mc"}, "")
	caller := &fakeCaller{reply: "3"}
	r := NewRouter(caller, nil)

	d := r.Route(context.Background(), Settings{Enabled: true, ProviderID: "b"},
		[]byte(`{"messages":[{"role":"user","content":"x"}]}`), []*providers.Provider{a, b, c})

	require.True(t, d.Routed)
	assert.Equal(t, []string{"b"}, caller.calls)
	assert.Equal(t, []*providers.Provider{c, a, b}, d.Providers)
	assert.Equal(t, "mc", d.Model)
}

func TestRoute_HeuristicFallback(t *testing.T) {
	big := claudeProvider("big", map[string]string{
		"ANTHROPIC_DEFAULT_SONNET_MODEL": "sonnet-x",
		"ANTHROPIC_DEFAULT_OPUS_MODEL":   "opus-x",
	}, "")
	small := claudeProvider("small", map[string]string{"ANTHROPIC_DEFAULT_HAIKU_MODEL": "haiku-x"}, "")
	list := []*providers.Provider{big, small}

	cases := []struct {
		name   string
		caller Caller
		text   string
		chosen string
		model  string
	}{
		{"transport error short", &fakeCaller{err: errors.New("dial tcp: refused")}, "hi", "small", "haiku-x"},
		{"garbage reply short", &fakeCaller{reply: "I think the first one"}, "hi", "small", "haiku-x"},
		{"out of range medium", &fakeCaller{reply: "7"}, strings.Repeat("a", 3*600), "big", "sonnet-x"},
		{"no caller long", nil, strings.Repeat("b", 3*5000), "big", "sonnet-x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(tc.caller, nil)
			body, _ := json.Marshal(map[string]any{
				"messages": []map[string]string{{"role": "user", "content": tc.text}},
			})
			d := r.Route(context.Background(), enabled, body, list)
			require.True(t, d.Routed)
			assert.Equal(t, "heuristic", d.Method)
			assert.Equal(t, tc.chosen, d.Chosen)
			assert.Equal(t, tc.model, d.Model)
		})
	}
}

func TestRoute_HeuristicWithoutTiersPicksFirst(t *testing.T) {
	a := claudeProvider("a", map[string]string{"ANTHROPIC_MODEL": "ma"}, "")
	b := claudeProvider("b", map[string]string{"ANTHROPIC_MODEL": "mb"}, "")
	r := NewRouter(&fakeCaller{reply: "zero"}, nil)
	d := r.Route(context.Background(), enabled, []byte(`{"messages":[{"role":"user","content":"x"}]}`), []*providers.Provider{a, b})
	assert.Equal(t, "a", d.Chosen)
	assert.Equal(t, "ma", d.Model)
}

func TestRoute_SkipsNonFirstTurn(t *testing.T) {
	a := claudeProvider("a", nil, "")
	b := claudeProvider("b", nil, "")
	c := claudeProvider("c", nil, "")
	caller := &fakeCaller{reply: "2"}
	r := NewRouter(caller, nil)

	bodies := []string{
		`{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`,
		`{"messages":[{"role":"assistant","content":"b"},{"role":"user","content":"c"}]}`,
		`{"messages":[{"role":"user","content":"a"},{"role":"user","content":"c"}]}`,
		`{"messages":[]}`,
		`{}`,
	}
	for _, body := range bodies {
		d := r.Route(context.Background(), enabled, []byte(body), []*providers.Provider{a, b, c})
		assert.False(t, d.Routed, body)
	}
	assert.Empty(t, caller.calls)
}

func TestRoute_Guards(t *testing.T) {
	a := claudeProvider("a", nil, "")
	b := claudeProvider("b", nil, "")
	body := []byte(`{"messages":[{"role":"user","content":"x"}]}`)
	caller := &fakeCaller{reply: "1"}
	r := NewRouter(caller, nil)

	assert.False(t, r.Route(context.Background(), Settings{}, body, []*providers.Provider{a, b}).Routed)
	assert.False(t, r.Route(context.Background(), enabled, body, []*providers.Provider{a}).Routed)
	assert.False(t, r.Route(WithoutRouting(context.Background()), enabled, body, []*providers.Provider{a, b}).Routed)
	assert.Empty(t, caller.calls)
}

func TestParseChoice(t *testing.T) {
	cases := []struct {
		in string
		n  int
		ok bool
	}{
		{"1\n", 1, true},
		{"  2. because", 2, true},
		{"3", 0, false},
		{"0", 0, false},
		{"", 0, false},
		{"one", 0, false},
		{"-1", 0, false},
	}
	for _, tc := range cases {
		n, ok := ParseChoice(tc.in, 2)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.n, n, tc.in)
	}
}

func TestSizeOf(t *testing.T) {
	assert.Equal(t, SizeShort, SizeOf(strings.Repeat("x", 3*512)))
	assert.Equal(t, SizeMedium, SizeOf(strings.Repeat("x", 3*512+1)))
	assert.Equal(t, SizeMedium, SizeOf(strings.Repeat("x", 3*4096)))
	assert.Equal(t, SizeLong, SizeOf(strings.Repeat("x", 3*4096+1)))
	assert.Equal(t, 1, EstimateTokens("日本"))
}

func TestLastUserText(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]}]}`)
	assert.Equal(t, "a\nb", LastUserText(body))
}

func TestReplyText(t *testing.T) {
	assert.Equal(t, "2", ReplyText([]byte(`{"content":[{"type":"thinking","thinking":"x"},{"type":"text","text":"2"}]}`)))
	assert.Equal(t, "1", ReplyText([]byte(`{"choices":[{"message":{"content":"1"}}]}`)))
}
