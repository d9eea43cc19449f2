// Package providers defines the provider record shared by every pipeline
// stage and the Adapter contract implemented per app type (Claude, Codex,
// Gemini).
//
// Each adapter lives in its own sub-package and knows how to pull a base URL
// and credentials out of the free-form settingsConfig document, whether the
// inbound body must be translated, and how to probe the upstream with the
// vendor SDK.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AppType identifies the coding-assistant client whose dialect is served.
type AppType string

const (
	AppClaude AppType = "claude"
	AppCodex  AppType = "codex"
	AppGemini AppType = "gemini"
)

// AppTypes lists every supported app type in a stable order.
var AppTypes = []AppType{AppClaude, AppCodex, AppGemini}

// ParseAppType validates s and returns the matching AppType.
func ParseAppType(s string) (AppType, error) {
	switch AppType(strings.ToLower(strings.TrimSpace(s))) {
	case AppClaude:
		return AppClaude, nil
	case AppCodex:
		return AppCodex, nil
	case AppGemini:
		return AppGemini, nil
	}
	return "", fmt.Errorf("providers: unknown app type %q", s)
}

// APIFormat is the wire format spoken by an upstream Claude provider.
type APIFormat string

const (
	FormatAnthropic  APIFormat = "anthropic"
	FormatOpenAIChat APIFormat = "openai_chat"
)

// Sentinel configuration errors. Both map to the ConfigError kind.
var (
	ErrMissingBaseURL = errors.New("missing base_url")
	ErrMissingAuth    = errors.New("missing api key")
)

// Decimal is a decimal amount carried as text. It accepts either a JSON
// string or a JSON number so hand-written provider files stay valid.
type Decimal string

func (d *Decimal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = Decimal(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decimal: %w", err)
	}
	*d = Decimal(n.String())
	return nil
}

// UpstreamProxy routes a provider's outbound traffic through an HTTP proxy.
type UpstreamProxy struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
}

// Meta is the structured policy sub-document of a provider record.
type Meta struct {
	APIFormat         APIFormat         `json:"apiFormat,omitempty"`
	IntentDescription string            `json:"intentDescription,omitempty"`
	CostMultiplier    Decimal           `json:"costMultiplier,omitempty"`
	LimitDailyUSD     Decimal           `json:"limitDailyUsd,omitempty"`
	LimitMonthlyUSD   Decimal           `json:"limitMonthlyUsd,omitempty"`
	ProxyConfig       *UpstreamProxy    `json:"proxyConfig,omitempty"`
	CustomHeaders     map[string]string `json:"customHeaders,omitempty"`

	// AuthSource names a registered AuthSource that supplies the secret
	// instead of settingsConfig.
	AuthSource string `json:"authSource,omitempty"`
}

// Provider is one configured upstream for a given app type.
//
// SettingsConfig is treated as immutable: the store hands out a fresh copy on
// every read and adapters only inspect it.
type Provider struct {
	ID              string          `json:"id"`
	AppType         AppType         `json:"appType,omitempty"`
	Name            string          `json:"name"`
	SettingsConfig  json.RawMessage `json:"settingsConfig"`
	WebsiteURL      string          `json:"websiteUrl,omitempty"`
	Category        string          `json:"category,omitempty"`
	CreatedAt       int64           `json:"createdAt,omitempty"`
	SortIndex       *int            `json:"sortIndex,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Meta            Meta            `json:"meta"`
	Icon            string          `json:"icon,omitempty"`
	IconColor       string          `json:"iconColor,omitempty"`
	InFailoverQueue bool            `json:"inFailoverQueue,omitempty"`
	IsCurrent       bool            `json:"isCurrent,omitempty"`
}

// Order returns the sort index used for failover ordering. Providers without
// an explicit index sort after indexed ones.
func (p *Provider) Order() int {
	if p.SortIndex == nil {
		return int(^uint(0) >> 1)
	}
	return *p.SortIndex
}

// Format returns the effective upstream API format.
func (p *Provider) Format() APIFormat {
	if p.Meta.APIFormat == "" {
		return FormatAnthropic
	}
	return p.Meta.APIFormat
}

// Clone returns a deep copy; the settings document is copied byte-for-byte.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	c := *p
	c.SettingsConfig = append(json.RawMessage(nil), p.SettingsConfig...)
	if p.SortIndex != nil {
		idx := *p.SortIndex
		c.SortIndex = &idx
	}
	if p.Meta.ProxyConfig != nil {
		pc := *p.Meta.ProxyConfig
		c.Meta.ProxyConfig = &pc
	}
	if p.Meta.CustomHeaders != nil {
		c.Meta.CustomHeaders = make(map[string]string, len(p.Meta.CustomHeaders))
		for k, v := range p.Meta.CustomHeaders {
			c.Meta.CustomHeaders[k] = v
		}
	}
	return &c
}

// AuthScheme selects how a secret is attached to an upstream request.
type AuthScheme int

const (
	SchemeAnthropic AuthScheme = iota
	SchemeGemini
	SchemeBearer
)

func (s AuthScheme) String() string {
	switch s {
	case SchemeAnthropic:
		return "anthropic"
	case SchemeGemini:
		return "gemini"
	case SchemeBearer:
		return "bearer"
	}
	return "unknown"
}

// AnthropicVersion is sent with every Anthropic-scheme request.
const AnthropicVersion = "2023-06-01"

// Auth is a resolved credential.
type Auth struct {
	Secret string
	Scheme AuthScheme
}

// Adapter is the per-app-type strategy used by the forwarder.
type Adapter interface {
	AppType() AppType

	// ExtractBaseURL returns the upstream base URL without a trailing slash.
	ExtractBaseURL(p *Provider) (string, error)

	// ExtractAuth returns the provider secret and the scheme to send it with.
	ExtractAuth(p *Provider) (Auth, error)

	// BuildURL joins base and endpoint, collapsing a duplicated /v1.
	BuildURL(base, endpoint string) string

	// AddAuthHeaders attaches auth to h according to its scheme.
	AddAuthHeaders(h http.Header, auth Auth)

	// NeedsTransform reports whether Anthropic bodies must be translated to
	// OpenAI chat completions for this provider.
	NeedsTransform(p *Provider) bool

	// MainModel returns the model the provider is configured to serve by
	// default, or "" when none is set.
	MainModel(p *Provider) string

	// Probe performs a cheap authenticated call (model listing) against the
	// upstream using the vendor SDK.
	Probe(ctx context.Context, p *Provider, client *http.Client) error
}

// Base implements the adapter operations whose behaviour does not depend on
// the app type. Adapters embed it.
type Base struct{}

// BuildURL joins base and endpoint. When base already ends in /v1 and the
// endpoint begins with /v1 the duplicate segment is dropped.
func (Base) BuildURL(base, endpoint string) string {
	base = strings.TrimRight(base, "/")
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	if strings.HasSuffix(base, "/v1") && hasV1Prefix(endpoint) {
		return base + endpoint[len("/v1"):]
	}
	return base + endpoint
}

func hasV1Prefix(endpoint string) bool {
	if !strings.HasPrefix(endpoint, "/v1") {
		return false
	}
	rest := endpoint[len("/v1"):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}

// AddAuthHeaders attaches the secret using the scheme-specific header(s).
func (Base) AddAuthHeaders(h http.Header, auth Auth) {
	switch auth.Scheme {
	case SchemeAnthropic:
		h.Set("x-api-key", auth.Secret)
		h.Set("anthropic-version", AnthropicVersion)
	case SchemeGemini:
		h.Set("x-goog-api-key", auth.Secret)
	default:
		h.Set("Authorization", "Bearer "+auth.Secret)
	}
}

// AuthSource supplies provider secrets from outside the settings document,
// e.g. a token broker for editor-issued OAuth tokens.
type AuthSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticAuthSource always returns the same token.
type StaticAuthSource string

func (s StaticAuthSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrMissingAuth
	}
	return string(s), nil
}

// Registry maps app types to adapters and names to auth sources.
type Registry struct {
	adapters map[AppType]Adapter
	sources  map[string]AuthSource
}

// NewRegistry builds a registry from the given adapters. Later adapters for
// the same app type replace earlier ones.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[AppType]Adapter, len(adapters)),
		sources:  make(map[string]AuthSource),
	}
	for _, a := range adapters {
		r.adapters[a.AppType()] = a
	}
	return r
}

// RegisterAuthSource makes src available to providers whose meta.authSource
// equals name.
func (r *Registry) RegisterAuthSource(name string, src AuthSource) {
	r.sources[name] = src
}

// Adapter returns the adapter for app.
func (r *Registry) Adapter(app AppType) (Adapter, bool) {
	a, ok := r.adapters[app]
	return a, ok
}

// ResolveAuth returns the credential for p, consulting a registered
// AuthSource first when the provider names one.
func (r *Registry) ResolveAuth(ctx context.Context, a Adapter, p *Provider) (Auth, error) {
	if name := p.Meta.AuthSource; name != "" {
		src, ok := r.sources[name]
		if !ok {
			return Auth{}, fmt.Errorf("%w: auth source %q is not registered", ErrMissingAuth, name)
		}
		tok, err := src.Token(ctx)
		if err != nil {
			return Auth{}, fmt.Errorf("auth source %q: %w", name, err)
		}
		return Auth{Secret: tok, Scheme: SchemeBearer}, nil
	}
	return a.ExtractAuth(p)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Default pipeline constants.
const (
	MaxRetries      = 3
	RequestTimeout  = 300 * time.Second
	UnhealthyAfter  = 3
	LastErrorMaxLen = 240
)
