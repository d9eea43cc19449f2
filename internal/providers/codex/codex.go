// Package codex adapts OpenAI-dialect providers used by the Codex CLI.
//
// Codex providers keep their endpoint in the embedded config.toml document:
// either a top-level base_url or a model_providers.<key> table selected by
// model_provider.
package codex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

var authKeys = []string{"OPENAI_API_KEY"}

// Adapter implements providers.Adapter for the Codex app type.
type Adapter struct {
	providers.Base
}

// New returns the Codex adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) AppType() providers.AppType { return providers.AppCodex }

// ExtractBaseURL checks config.base_url, then the selected (or only)
// model_providers table, then the shared top-level fallbacks.
func (a *Adapter) ExtractBaseURL(p *providers.Provider) (string, error) {
	if doc := providers.ConfigDocument(p.SettingsConfig); doc != nil {
		if u := providers.StringAt(doc, "base_url"); u != "" {
			return providers.TrimBaseURL(u), nil
		}
		if u := modelProviderBaseURL(doc); u != "" {
			return providers.TrimBaseURL(u), nil
		}
	}
	if u := providers.FallbackBaseURL(p.SettingsConfig); u != "" {
		return providers.TrimBaseURL(u), nil
	}
	return "", fmt.Errorf("codex: provider %s: %w", p.ID, providers.ErrMissingBaseURL)
}

func modelProviderBaseURL(doc map[string]any) string {
	tables, ok := doc["model_providers"].(map[string]any)
	if !ok || len(tables) == 0 {
		return ""
	}
	if key := providers.StringAt(doc, "model_provider"); key != "" {
		if u := providers.StringAt(tables, key, "base_url"); u != "" {
			return u
		}
	}
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if u := providers.StringAt(tables, k, "base_url"); u != "" {
			return u
		}
	}
	return ""
}

func (a *Adapter) ExtractAuth(p *providers.Provider) (providers.Auth, error) {
	key := providers.SearchKey(p.SettingsConfig, authKeys...)
	if key == "" {
		return providers.Auth{}, fmt.Errorf("codex: provider %s: %w", p.ID, providers.ErrMissingAuth)
	}
	return providers.Auth{Secret: key, Scheme: providers.SchemeBearer}, nil
}

func (a *Adapter) NeedsTransform(*providers.Provider) bool { return false }

// MainModel returns config.model when set.
func (a *Adapter) MainModel(p *providers.Provider) string {
	if doc := providers.ConfigDocument(p.SettingsConfig); doc != nil {
		return providers.StringAt(doc, "model")
	}
	return ""
}

func (a *Adapter) Probe(ctx context.Context, p *providers.Provider, client *http.Client) error {
	base, err := a.ExtractBaseURL(p)
	if err != nil {
		return err
	}
	auth, err := a.ExtractAuth(p)
	if err != nil {
		return err
	}
	return ProbeOpenAI(ctx, base, auth.Secret, client)
}

// ProbeOpenAI lists models on an OpenAI-compatible endpoint. base may or may
// not end in /v1.
func ProbeOpenAI(ctx context.Context, base, key string, client *http.Client) error {
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	hc := *client
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = newBaseURLTransport(next, base)

	c := openaiSDK.NewClient(
		option.WithAPIKey(key),
		option.WithHTTPClient(&hc),
		option.WithMaxRetries(0),
	)
	if _, err := c.Models.List(ctx); err != nil {
		return fmt.Errorf("codex: probe: %w", toProviderError(err))
	}
	return nil
}

// ProviderError is a structured error returned by an OpenAI-compatible API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

// baseURLTransport rewrites SDK requests onto an arbitrary base URL, keeping
// any path prefix the base carries.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	// The SDK default base carries /v1 already; swap it for ours.
	path := strings.TrimPrefix(u2.Path, "/v1")
	basePath := strings.TrimRight(t.base.Path, "/")
	u2.Path = basePath + "/" + strings.TrimLeft(path, "/")

	r2.URL = &u2
	r2.Host = t.base.Host

	return t.rt.RoundTrip(r2)
}
