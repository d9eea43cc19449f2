package providers

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/gjson"
)

// fallbackBaseURLKeys are consulted by every adapter after its own lookup.
var fallbackBaseURLKeys = []string{"base_url", "baseURL", "apiEndpoint"}

// FirstString returns the first non-empty string found at the given gjson
// paths of settings.
func FirstString(settings []byte, paths ...string) string {
	for _, p := range paths {
		if v := gjson.GetBytes(settings, p); v.Type == gjson.String {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// FallbackBaseURL looks for a top-level base_url, baseURL or apiEndpoint.
func FallbackBaseURL(settings []byte) string {
	return FirstString(settings, fallbackBaseURLKeys...)
}

// TrimBaseURL strips trailing slashes.
func TrimBaseURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// ConfigDocument decodes settingsConfig.config, which is either an embedded
// TOML string (Codex's native config.toml) or an already-structured object.
// It returns nil when absent or unparseable.
func ConfigDocument(settings []byte) map[string]any {
	v := gjson.GetBytes(settings, "config")
	switch {
	case v.Type == gjson.String:
		doc := make(map[string]any)
		if err := toml.Unmarshal([]byte(v.String()), &doc); err != nil {
			return nil
		}
		return doc
	case v.IsObject():
		doc, ok := v.Value().(map[string]any)
		if !ok {
			return nil
		}
		return doc
	}
	return nil
}

// StringAt walks nested maps and returns the string found at path.
func StringAt(doc map[string]any, path ...string) string {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return strings.TrimSpace(s)
}

// SearchKey finds a secret. Each name is looked up under env.* first, then
// auth.*, then the top-level apiKey/api_key fields, then config.api_key.
func SearchKey(settings []byte, names ...string) string {
	for _, prefix := range []string{"env.", "auth."} {
		for _, n := range names {
			if s := FirstString(settings, prefix+n); s != "" {
				return s
			}
		}
	}
	if s := FirstString(settings, "apiKey", "api_key"); s != "" {
		return s
	}
	if doc := ConfigDocument(settings); doc != nil {
		return StringAt(doc, "api_key")
	}
	return ""
}
