// Package gemini adapts Google generative-language providers used by the
// Gemini CLI.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

const (
	EnvBaseURL = "GOOGLE_GEMINI_BASE_URL"
	EnvAPIKey  = "GEMINI_API_KEY"
	EnvModel   = "GEMINI_MODEL"
)

var authKeys = []string{EnvAPIKey, "GOOGLE_API_KEY"}

// Adapter implements providers.Adapter for the Gemini app type.
type Adapter struct {
	providers.Base
}

// New returns the Gemini adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) AppType() providers.AppType { return providers.AppGemini }

func (a *Adapter) ExtractBaseURL(p *providers.Provider) (string, error) {
	u := providers.FirstString(p.SettingsConfig, "env."+EnvBaseURL)
	if u == "" {
		u = providers.FallbackBaseURL(p.SettingsConfig)
	}
	if u == "" {
		return "", fmt.Errorf("gemini: provider %s: %w", p.ID, providers.ErrMissingBaseURL)
	}
	return providers.TrimBaseURL(u), nil
}

func (a *Adapter) ExtractAuth(p *providers.Provider) (providers.Auth, error) {
	key := providers.SearchKey(p.SettingsConfig, authKeys...)
	if key == "" {
		return providers.Auth{}, fmt.Errorf("gemini: provider %s: %w", p.ID, providers.ErrMissingAuth)
	}
	return providers.Auth{Secret: key, Scheme: providers.SchemeGemini}, nil
}

func (a *Adapter) NeedsTransform(*providers.Provider) bool { return false }

func (a *Adapter) MainModel(p *providers.Provider) string {
	return providers.FirstString(p.SettingsConfig, "env."+EnvModel)
}

// Probe lists one model through the GenAI SDK.
func (a *Adapter) Probe(ctx context.Context, p *providers.Provider, client *http.Client) error {
	base, err := a.ExtractBaseURL(p)
	if err != nil {
		return err
	}
	auth, err := a.ExtractAuth(p)
	if err != nil {
		return err
	}
	if client == nil {
		client = http.DefaultClient
	}

	sdkBase, version := splitBaseURLAndVersion(base)
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      auth.Secret,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  client,
		HTTPOptions: genai.HTTPOptions{BaseURL: sdkBase, APIVersion: version},
	})
	if err != nil {
		return fmt.Errorf("gemini: probe: %w", err)
	}
	if _, err := c.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: probe: %w", toProviderError(err))
	}
	return nil
}

// splitBaseURLAndVersion separates a trailing API version segment (v1,
// v1beta, ...) from the base so the SDK can add it back itself.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	if last := parts[len(parts)-1]; looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	return len(s) >= 2 && s[0] == 'v' && s[1] >= '0' && s[1] <= '9'
}

// ProviderError is a structured error returned by the Gemini API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
