package providers

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SecretPaths are the settingsConfig fields masked whenever a provider record
// leaves the process (admin listing, export).
var SecretPaths = []string{
	"env.ANTHROPIC_AUTH_TOKEN",
	"env.ANTHROPIC_API_KEY",
	"auth.OPENAI_API_KEY",
	"env.OPENAI_API_KEY",
	"env.GEMINI_API_KEY",
}

// MaskSecret keeps the first and last four characters of values at least
// nine characters long and hides shorter values entirely.
func MaskSecret(s string) string {
	r := []rune(s)
	if len(r) < 9 {
		return "****"
	}
	return string(r[:4]) + "****" + string(r[len(r)-4:])
}

// MaskSettings returns a copy of settings with every SecretPaths string
// replaced by its masked form. The input is not modified.
func MaskSettings(settings json.RawMessage) json.RawMessage {
	out := append(json.RawMessage(nil), settings...)
	for _, p := range SecretPaths {
		v := gjson.GetBytes(out, p)
		if v.Type != gjson.String {
			continue
		}
		masked, err := sjson.SetBytes(out, p, MaskSecret(v.String()))
		if err != nil {
			continue
		}
		out = masked
	}
	return out
}

// Masked returns a clone of p safe to expose outside the process.
func (p *Provider) Masked() *Provider {
	c := p.Clone()
	c.SettingsConfig = MaskSettings(c.SettingsConfig)
	return c
}
