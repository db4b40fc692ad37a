package credentials

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andywolf/habitat/internal/manifest"
)

func TestValidateTelegramToken(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		status  int
		body    string
		want    Status
		noCalls bool
	}{
		{"valid", "123:abcdefghij-klmno", 200, `{"ok":true,"result":{"id":123}}`, StatusOK, false},
		{"rejected", "123:abcdefghij-klmno", 401, `{"ok":false}`, StatusInvalid, false},
		{"server error", "123:abcdefghij-klmno", 503, `oops`, StatusUnreachable, false},
		{"empty", "", 0, "", StatusInvalid, true},
		{"malformed", "not-a-token", 0, "", StatusInvalid, true},
		{"short suffix", "123:short", 0, "", StatusInvalid, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v := NewValidator(WithTelegramBaseURL(srv.URL))
			got := v.ValidateChatToken(context.Background(), manifest.PlatformTelegram, tt.token)
			if got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
			if tt.noCalls && calls != 0 {
				t.Error("malformed token must not hit the network")
			}
		})
	}
}

func TestValidateDiscordToken(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Status
	}{
		{"valid", 200, `{"id":"42","username":"bot"}`, StatusOK},
		{"empty id", 200, `{"username":"bot"}`, StatusInvalid},
		{"unauthorized", 401, `{}`, StatusInvalid},
		{"forbidden", 403, `{}`, StatusInvalid},
		{"server error", 502, ``, StatusUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bot tok" {
					t.Errorf("auth header = %q", got)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			v := NewValidator(WithDiscordBaseURL(srv.URL))
			if got := v.ValidateChatToken(context.Background(), manifest.PlatformDiscord, "tok"); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateTokenUnreachableTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	v := NewValidator(WithTelegramBaseURL(srv.URL), WithDiscordBaseURL(srv.URL))
	if got := v.ValidateChatToken(context.Background(), manifest.PlatformTelegram, "123:abcdefghij-klmno"); got != StatusUnreachable {
		t.Errorf("telegram transport failure = %s, want unreachable", got)
	}
	if got := v.ValidateChatToken(context.Background(), manifest.PlatformDiscord, "tok"); got != StatusUnreachable {
		t.Errorf("discord transport failure = %s, want unreachable", got)
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		key      string
		status   int
		want     Status
	}{
		{"anthropic ok", ProviderAnthropic, "sk-ant-api-key", 200, StatusOK},
		{"anthropic rejected", ProviderAnthropic, "sk-ant-api-key", 401, StatusInvalid},
		{"openai ok", ProviderOpenAI, "sk-openai", 200, StatusOK},
		{"google ok", ProviderGoogle, "goog-key", 200, StatusOK},
		{"server error", ProviderOpenAI, "sk-openai", 500, StatusUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				switch tt.provider {
				case ProviderAnthropic:
					if r.Header.Get("x-api-key") != tt.key {
						t.Errorf("anthropic key header = %q", r.Header.Get("x-api-key"))
					}
					if r.Header.Get("anthropic-version") == "" {
						t.Error("anthropic-version header missing")
					}
				case ProviderGoogle:
					if r.URL.Query().Get("key") != tt.key {
						t.Errorf("google key param = %q", r.URL.Query().Get("key"))
					}
				default:
					if r.Header.Get("Authorization") != "Bearer "+tt.key {
						t.Errorf("bearer header = %q", r.Header.Get("Authorization"))
					}
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			v := NewValidator(
				WithAnthropicBaseURL(srv.URL),
				WithOpenAIBaseURL(srv.URL),
				WithGoogleBaseURL(srv.URL),
			)
			if got := v.ValidateAPIKey(context.Background(), tt.provider, tt.key); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAnthropicOAuthTrustedWithoutCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(401)
	}))
	defer srv.Close()

	v := NewValidator(WithAnthropicBaseURL(srv.URL))
	got := v.ValidateAPIKey(context.Background(), ProviderAnthropic, "sk-ant-oat-token")
	if got != StatusTrustedWithoutCall {
		t.Errorf("status = %s, want trusted_without_call", got)
	}
	if calls != 0 {
		t.Error("OAuth token must not hit the validation endpoint")
	}
	if !got.Usable() {
		t.Error("trusted_without_call must count as usable")
	}
}

func TestAuthHeader(t *testing.T) {
	tests := []struct {
		provider string
		key      string
		header   string
		value    string
		query    string
	}{
		{ProviderAnthropic, "sk-ant-key", "x-api-key", "sk-ant-key", ""},
		{ProviderAnthropic, "sk-ant-oat-tok", "Authorization", "Bearer sk-ant-oat-tok", ""},
		{ProviderOpenAI, "sk-x", "Authorization", "Bearer sk-x", ""},
		{ProviderGoogle, "g-key", "", "g-key", "key"},
	}
	for _, tt := range tests {
		s := AuthHeader(tt.provider, tt.key)
		if s.Header != tt.header || s.Value != tt.value || s.QueryParam != tt.query {
			t.Errorf("AuthHeader(%s, %s) = %+v", tt.provider, tt.key, s)
		}
	}
}

func TestFindWorkingChatToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Only the second agent's token validates.
		if r.URL.Path == "/bot222:abcdefghij-beta/getMe" {
			w.Write([]byte(`{"ok":true}`))
			return
		}
		w.WriteHeader(401)
		w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	m := &manifest.Manifest{
		Platform: manifest.PlatformTelegram,
		Agents: []manifest.Agent{
			{ID: "alpha", IsolationGroup: "g1", Tokens: map[string]string{manifest.PlatformTelegram: "111:abcdefghij-alfa"}},
			{ID: "beta", IsolationGroup: "g2", Tokens: map[string]string{manifest.PlatformTelegram: "222:abcdefghij-beta"}},
		},
	}
	v := NewValidator(WithTelegramBaseURL(srv.URL))

	id, tok, found := v.FindWorkingChatToken(context.Background(), m, manifest.PlatformTelegram, "")
	if !found || id != "beta" || tok != "222:abcdefghij-beta" {
		t.Errorf("got %q %q %t", id, tok, found)
	}
	if _, _, found := v.FindWorkingChatToken(context.Background(), m, manifest.PlatformTelegram, "g1"); found {
		t.Error("group filter should exclude the working token")
	}
}

func TestFindWorkingProviderOrder(t *testing.T) {
	var tried []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = r.Header.Get("Authorization")
		}
		if key == "" {
			key = r.URL.Query().Get("key")
		}
		tried = append(tried, key)
		if key == "goog-works" {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(401)
	}))
	defer srv.Close()

	v := NewValidator(
		WithAnthropicBaseURL(srv.URL),
		WithOpenAIBaseURL(srv.URL),
		WithGoogleBaseURL(srv.URL),
	)
	keys := map[string]string{
		ProviderAnthropic: "sk-ant-broken",
		ProviderOpenAI:    "sk-openai-broken",
		ProviderGoogle:    "goog-works",
	}
	pc, ok := v.FindWorkingProvider(context.Background(), ProviderOpenAI, keys, nil)
	if !ok {
		t.Fatal("expected a working provider")
	}
	if pc.Provider != ProviderGoogle || pc.Key != "goog-works" {
		t.Errorf("provider context = %+v", pc)
	}
	if pc.Model == "" {
		t.Error("default model must be pinned")
	}
	// Preferred first, then the fixed fallback order.
	if len(tried) != 3 || tried[0] != "Bearer sk-openai-broken" {
		t.Errorf("try order = %v", tried)
	}
}

func TestProviderFromModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"anthropic/claude-sonnet-4", "anthropic"},
		{"openai/gpt-4o", "openai"},
		{"bare-model", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ProviderFromModel(tt.model); got != tt.want {
			t.Errorf("ProviderFromModel(%q) = %q", tt.model, got)
		}
	}
}

func TestGroupProviderKeysDeclarationOrderWins(t *testing.T) {
	m := &manifest.Manifest{
		Agents: []manifest.Agent{
			{ID: "a", IsolationGroup: "g", ProviderKeys: map[string]string{"anthropic": "first"}},
			{ID: "b", IsolationGroup: "g", ProviderKeys: map[string]string{"anthropic": "second", "openai": "only"}},
			{ID: "c", IsolationGroup: "other", ProviderKeys: map[string]string{"google": "elsewhere"}},
		},
	}
	keys := GroupProviderKeys(m, "g")
	if keys["anthropic"] != "first" {
		t.Errorf("anthropic = %q, declaration order should win", keys["anthropic"])
	}
	if keys["openai"] != "only" {
		t.Errorf("openai = %q", keys["openai"])
	}
	if _, ok := keys["google"]; ok {
		t.Error("other group's keys leaked")
	}
}
