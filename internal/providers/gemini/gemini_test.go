package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nulpointcorp/switchboard/internal/providers"
)

func provider(settings string) *providers.Provider {
	return &providers.Provider{ID: "g1", AppType: providers.AppGemini, SettingsConfig: json.RawMessage(settings)}
}

func TestExtract(t *testing.T) {
	a := New()
	p := provider(`{"env":{"GEMINI_API_KEY":"AIza-123456789","GOOGLE_GEMINI_BASE_URL":"https://g.example/","GEMINI_MODEL":"gemini-2.5-pro"}}`)

	base, err := a.ExtractBaseURL(p)
	if err != nil || base != "https://g.example" {
		t.Fatalf("base = %q, err = %v", base, err)
	}
	auth, err := a.ExtractAuth(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth.Secret != "AIza-123456789" || auth.Scheme != providers.SchemeGemini {
		t.Fatalf("unexpected auth %+v", auth)
	}
	if got := a.MainModel(p); got != "gemini-2.5-pro" {
		t.Fatalf("main model = %q", got)
	}
	if a.NeedsTransform(p) {
		t.Fatal("gemini never transforms")
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, version string
	}{
		{"https://g.example", "https://g.example/", ""},
		{"https://g.example/v1beta", "https://g.example/", "v1beta"},
		{"https://g.example/proxy/v1", "https://g.example/proxy/", "v1"},
		{"https://g.example/proxy", "https://g.example/proxy/", ""},
	}
	for _, tc := range cases {
		base, version := splitBaseURLAndVersion(tc.in)
		if base != tc.base || version != tc.version {
			t.Errorf("split(%q) = (%q, %q), want (%q, %q)", tc.in, base, version, tc.base, tc.version)
		}
	}
}

func TestProbe(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"models":[{"name":"models/gemini-2.5-pro"}]}`))
	}))
	defer srv.Close()

	p := provider(`{"env":{"GEMINI_API_KEY":"AIza-123456789","GOOGLE_GEMINI_BASE_URL":"` + srv.URL + `/v1beta"}}`)
	if err := New().Probe(context.Background(), p, srv.Client()); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if gotPath != "/v1beta/models" {
		t.Errorf("expected /v1beta/models, got %s", gotPath)
	}
	if gotKey != "AIza-123456789" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
}
