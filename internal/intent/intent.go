// Package intent picks, on the first turn of a Claude conversation, which
// configured provider is best suited to the request. A small routing model
// chooses among the candidates; a length heuristic is the fallback.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/providers/claude"
)

// DefaultTimeout bounds the routing call.
const DefaultTimeout = 10 * time.Second

// Size buckets, in estimated tokens of the last user message.
const (
	shortLimit  = 512
	mediumLimit = 4096
)

// maxPromptChars caps how much of the user's message is shown to the
// routing model.
const maxPromptChars = 2000

// Size is the coarse length class of a request.
type Size string

const (
	SizeShort  Size = "short"
	SizeMedium Size = "medium"
	SizeLong   Size = "long"
)

// Caller performs one non-streaming Anthropic messages call against a
// specific provider and returns the response body.
type Caller interface {
	Call(ctx context.Context, p *providers.Provider, body []byte) ([]byte, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, p *providers.Provider, body []byte) ([]byte, error)

func (f CallerFunc) Call(ctx context.Context, p *providers.Provider, body []byte) ([]byte, error) {
	return f(ctx, p, body)
}

// Settings is the runtime configuration of the router.
type Settings struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	ProviderID string        `mapstructure:"provider_id" json:"providerId,omitempty"`
	Timeout    time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
}

type routingKey struct{}

// WithoutRouting marks ctx as belonging to a routing call so the pipeline
// does not route it again.
func WithoutRouting(ctx context.Context) context.Context {
	return context.WithValue(ctx, routingKey{}, true)
}

// IsRoutingCall reports whether ctx was marked by WithoutRouting.
func IsRoutingCall(ctx context.Context) bool {
	v, _ := ctx.Value(routingKey{}).(bool)
	return v
}

// Decision is the outcome of Route. When Routed is false the caller keeps
// its own ordering and body.
type Decision struct {
	Routed    bool
	Providers []*providers.Provider
	Body      []byte
	Model     string
	Chosen    string
	Size      Size
	// Method is "model" when the routing call answered, "heuristic" otherwise.
	Method string
}

// Router routes first-turn Claude requests.
type Router struct {
	caller Caller
	log    *slog.Logger
}

// NewRouter returns a Router that issues routing calls through caller.
func NewRouter(caller Caller, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{caller: caller, log: log}
}

type candidate struct {
	p      *providers.Provider
	models claude.Models
	model  string
	desc   string
}

// Route decides the provider order for body. list is the caller's candidate
// order; it is preserved for every provider except the chosen one, which
// moves to the front.
func (r *Router) Route(ctx context.Context, settings Settings, body []byte, list []*providers.Provider) Decision {
	if !settings.Enabled || IsRoutingCall(ctx) || len(list) < 2 || !IsFirstTurn(body) {
		return Decision{}
	}

	cands := make([]candidate, 0, len(list))
	for _, p := range list {
		if p.AppType != "" && p.AppType != providers.AppClaude {
			continue
		}
		m := claude.ModelsOf(p)
		desc := strings.TrimSpace(p.Meta.IntentDescription)
		if desc == "" {
			desc = strings.TrimSpace(p.Notes)
		}
		cands = append(cands, candidate{p: p, models: m, model: m.Main(), desc: desc})
	}
	if len(cands) < 2 {
		return Decision{}
	}

	text := LastUserText(body)
	size := SizeOf(text)

	idx, model, method := -1, "", "heuristic"
	if rp := routerProvider(settings.ProviderID, list); rp != nil && r.caller != nil {
		n, err := r.ask(ctx, settings, rp, cands, size, text)
		if err != nil {
			r.log.Warn("intent_router_call_failed",
				slog.String("provider", rp.ID),
				slog.String("error", err.Error()),
			)
		} else {
			idx, model, method = n, cands[n].model, "model"
		}
	}
	if idx < 0 {
		idx, model = heuristic(cands, size)
	}

	chosen := cands[idx].p
	ordered := make([]*providers.Provider, 0, len(list))
	ordered = append(ordered, chosen)
	for _, p := range list {
		if p != chosen {
			ordered = append(ordered, p)
		}
	}

	patched := body
	if model != "" {
		if b, err := sjson.SetBytes(body, "model", model); err == nil {
			patched = b
		}
	} else {
		model = gjson.GetBytes(body, "model").String()
	}

	r.log.Info("intent_routed",
		slog.String("provider", chosen.ID),
		slog.String("model", model),
		slog.String("size", string(size)),
		slog.String("method", method),
	)
	return Decision{
		Routed:    true,
		Providers: ordered,
		Body:      patched,
		Model:     model,
		Chosen:    chosen.ID,
		Size:      size,
		Method:    method,
	}
}

// ask issues the routing call and returns the zero-based candidate index.
func (r *Router) ask(ctx context.Context, settings Settings, rp *providers.Provider, cands []candidate, size Size, text string) (int, error) {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(WithoutRouting(ctx), timeout)
	defer cancel()

	req := map[string]any{
		"model":      claude.ModelsOf(rp).Main(),
		"max_tokens": 16,
		"stream":     false,
		"system":     "You route requests to the assistant best suited for them. Reply with the candidate number only.",
		"messages": []map[string]any{
			{"role": "user", "content": Prompt(entriesOf(cands), size, text)},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	resp, err := r.caller.Call(ctx, rp, body)
	if err != nil {
		return 0, err
	}
	n, ok := ParseChoice(ReplyText(resp), len(cands))
	if !ok {
		return 0, fmt.Errorf("intent: unusable router reply %q", truncate(ReplyText(resp), 40))
	}
	return n - 1, nil
}

// Entry is one numbered line of the routing prompt.
type Entry struct {
	Model       string
	Description string
}

func entriesOf(cands []candidate) []Entry {
	out := make([]Entry, len(cands))
	for i, c := range cands {
		out[i] = Entry{Model: c.model, Description: c.desc}
	}
	return out
}

// Prompt renders the routing question.
func Prompt(entries []Entry, size Size, text string) string {
	var b strings.Builder
	b.WriteString("Choose the candidate best suited to handle the request below.\n\nCandidates:\n")
	for i, e := range entries {
		model := e.Model
		if model == "" {
			model = "default model"
		}
		fmt.Fprintf(&b, "%d. %s", i+1, model)
		if e.Description != "" {
			b.WriteString(" - ")
			b.WriteString(e.Description)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "\nRequest size: %s\nRequest:\n%s\n\nAnswer with a single number between 1 and %d.",
		size, truncate(text, maxPromptChars), len(entries))
	return b.String()
}

// ParseChoice reads a leading ASCII integer and checks 1 <= n <= limit.
func ParseChoice(reply string, limit int) (int, bool) {
	reply = strings.TrimSpace(reply)
	end := 0
	for end < len(reply) && reply[end] >= '0' && reply[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(reply[:end])
	if err != nil || n < 1 || n > limit {
		return 0, false
	}
	return n, true
}

// ReplyText extracts the assistant text from an Anthropic message, falling
// back to the OpenAI chat shape.
func ReplyText(body []byte) string {
	if t := gjson.GetBytes(body, `content.#(type=="text").text`); t.Exists() {
		return t.String()
	}
	return gjson.GetBytes(body, "choices.0.message.content").String()
}

// heuristic picks by size: a Haiku tier for short requests, otherwise the
// first Reasoning, then Sonnet, then Opus tier; else the first candidate.
func heuristic(cands []candidate, size Size) (int, string) {
	pick := func(tier func(claude.Models) string) (int, string, bool) {
		for i, c := range cands {
			if m := tier(c.models); m != "" {
				return i, m, true
			}
		}
		return 0, "", false
	}
	var tiers []func(claude.Models) string
	if size == SizeShort {
		tiers = append(tiers, func(m claude.Models) string { return m.Haiku })
	} else {
		tiers = append(tiers,
			func(m claude.Models) string { return m.Reasoning },
			func(m claude.Models) string { return m.Sonnet },
			func(m claude.Models) string { return m.Opus },
		)
	}
	for _, tier := range tiers {
		if i, m, ok := pick(tier); ok {
			return i, m
		}
	}
	return 0, cands[0].model
}

func routerProvider(id string, list []*providers.Provider) *providers.Provider {
	if id != "" {
		for _, p := range list {
			if p.ID == id {
				return p
			}
		}
	}
	for _, p := range list {
		if p.IsCurrent {
			return p
		}
	}
	if len(list) > 0 {
		return list[0]
	}
	return nil
}

// IsFirstTurn reports whether messages holds exactly one user entry and no
// assistant entry.
func IsFirstTurn(body []byte) bool {
	msgs := gjson.GetBytes(body, "messages")
	if !msgs.IsArray() {
		return false
	}
	users := 0
	for _, m := range msgs.Array() {
		switch m.Get("role").String() {
		case "user":
			users++
		case "assistant":
			return false
		}
	}
	return users == 1
}

// LastUserText concatenates the text of the last user message.
func LastUserText(body []byte) string {
	var last gjson.Result
	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("role").String() == "user" {
			last = m
		}
		return true
	})
	content := last.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(block.Get("text").String())
		}
		return true
	})
	return b.String()
}

// EstimateTokens is the character count divided by three, rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 2) / 3
}

// SizeOf buckets text by EstimateTokens.
func SizeOf(text string) Size {
	switch n := EstimateTokens(text); {
	case n <= shortLimit:
		return SizeShort
	case n <= mediumLimit:
		return SizeMedium
	default:
		return SizeLong
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
