// Package claude adapts Anthropic-dialect providers used by Claude Code.
//
// A Claude provider either speaks the Anthropic Messages API natively or,
// when meta.apiFormat is "openai_chat", an OpenAI chat-completions API that
// the pipeline reaches through the transform package.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/switchboard/internal/providers"
	"github.com/nulpointcorp/switchboard/internal/providers/codex"
)

// Settings keys under settingsConfig.env.
const (
	EnvBaseURL        = "ANTHROPIC_BASE_URL"
	EnvAuthToken      = "ANTHROPIC_AUTH_TOKEN"
	EnvAPIKey         = "ANTHROPIC_API_KEY"
	EnvModel          = "ANTHROPIC_MODEL"
	EnvSonnetModel    = "ANTHROPIC_DEFAULT_SONNET_MODEL"
	EnvHaikuModel     = "ANTHROPIC_DEFAULT_HAIKU_MODEL"
	EnvOpusModel      = "ANTHROPIC_DEFAULT_OPUS_MODEL"
	EnvReasoningModel = "ANTHROPIC_REASONING_MODEL"
)

var authKeys = []string{EnvAuthToken, EnvAPIKey, "OPENAI_API_KEY"}

// Models is the model line-up configured for a Claude provider.
type Models struct {
	Model     string
	Sonnet    string
	Haiku     string
	Opus      string
	Reasoning string
}

// Main is the first non-empty of Model, Sonnet, Haiku, Opus, Reasoning.
func (m Models) Main() string {
	for _, s := range []string{m.Model, m.Sonnet, m.Haiku, m.Opus, m.Reasoning} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ModelsOf reads the configured models of p.
func ModelsOf(p *providers.Provider) Models {
	get := func(k string) string { return providers.FirstString(p.SettingsConfig, "env."+k) }
	return Models{
		Model:     get(EnvModel),
		Sonnet:    get(EnvSonnetModel),
		Haiku:     get(EnvHaikuModel),
		Opus:      get(EnvOpusModel),
		Reasoning: get(EnvReasoningModel),
	}
}

// Adapter implements providers.Adapter for the Claude app type.
type Adapter struct {
	providers.Base
}

// New returns the Claude adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) AppType() providers.AppType { return providers.AppClaude }

func (a *Adapter) ExtractBaseURL(p *providers.Provider) (string, error) {
	u := providers.FirstString(p.SettingsConfig, "env."+EnvBaseURL)
	if u == "" {
		u = providers.FallbackBaseURL(p.SettingsConfig)
	}
	if u == "" {
		return "", fmt.Errorf("claude: provider %s: %w", p.ID, providers.ErrMissingBaseURL)
	}
	return providers.TrimBaseURL(u), nil
}

// ExtractAuth uses the Anthropic scheme for native providers and Bearer for
// OpenAI-format ones.
func (a *Adapter) ExtractAuth(p *providers.Provider) (providers.Auth, error) {
	key := providers.SearchKey(p.SettingsConfig, authKeys...)
	if key == "" {
		return providers.Auth{}, fmt.Errorf("claude: provider %s: %w", p.ID, providers.ErrMissingAuth)
	}
	scheme := providers.SchemeAnthropic
	if a.NeedsTransform(p) {
		scheme = providers.SchemeBearer
	}
	return providers.Auth{Secret: key, Scheme: scheme}, nil
}

func (a *Adapter) NeedsTransform(p *providers.Provider) bool {
	return p.Format() == providers.FormatOpenAIChat
}

func (a *Adapter) MainModel(p *providers.Provider) string {
	return ModelsOf(p).Main()
}

// Probe lists models with the Anthropic SDK, or with the OpenAI SDK when the
// provider speaks chat completions.
func (a *Adapter) Probe(ctx context.Context, p *providers.Provider, client *http.Client) error {
	base, err := a.ExtractBaseURL(p)
	if err != nil {
		return err
	}
	auth, err := a.ExtractAuth(p)
	if err != nil {
		return err
	}
	if a.NeedsTransform(p) {
		return codex.ProbeOpenAI(ctx, base, auth.Secret, client)
	}
	if client == nil {
		client = http.DefaultClient
	}

	c := anthropic.NewClient(
		option.WithAPIKey(auth.Secret),
		option.WithBaseURL(sdkBaseURL(base)),
		option.WithHTTPClient(client),
		option.WithMaxRetries(0),
	)
	_, err = c.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("claude: probe: %w", toProviderError(err))
	}
	return nil
}

// sdkBaseURL converts a provider base into the form the SDK expects: no /v1
// suffix (the SDK adds it) and a trailing slash.
func sdkBaseURL(base string) string {
	return strings.TrimSuffix(base, "/v1") + "/"
}

// ProviderError is a structured error returned by the Anthropic API.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &ProviderError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
