package credentials

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/andywolf/habitat/internal/manifest"
)

// Recognized LLM providers. fallbackOrder is the fixed discovery order
// after the user's preferred provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

var fallbackOrder = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle}

// anthropicOAuthPrefix marks OAuth tokens the validation endpoint rejects
// by design; such tokens are trusted without a call.
const anthropicOAuthPrefix = "sk-ant-oat"

// AuthScheme describes how a credential is attached to a request. Exactly
// one of Header or QueryParam is set.
type AuthScheme struct {
	Header     string // header name, e.g. "Authorization" or "x-api-key"
	Value      string // header value when Header is set
	QueryParam string // query parameter name when set, e.g. "key"
}

// AuthHeader centralizes the auth decision: OAuth tokens go as Bearer,
// API keys go in provider-specific headers, and Google keys go in a query
// parameter. Callers must use this exclusively; duplicated logic drifts.
func AuthHeader(provider, key string) AuthScheme {
	if IsOAuthToken(key) {
		return AuthScheme{Header: "Authorization", Value: "Bearer " + key}
	}
	switch provider {
	case ProviderAnthropic:
		return AuthScheme{Header: "x-api-key", Value: key}
	case ProviderGoogle:
		return AuthScheme{QueryParam: "key", Value: key}
	default:
		return AuthScheme{Header: "Authorization", Value: "Bearer " + key}
	}
}

// IsOAuthToken reports whether a credential is an OAuth token rather than
// an API key.
func IsOAuthToken(key string) bool {
	return strings.HasPrefix(key, anthropicOAuthPrefix)
}

// Apply attaches the scheme to a request.
func (s AuthScheme) Apply(req *http.Request) {
	if s.Header != "" {
		req.Header.Set(s.Header, s.Value)
		return
	}
	if s.QueryParam != "" {
		q := req.URL.Query()
		q.Set(s.QueryParam, s.Value)
		req.URL.RawQuery = q.Encode()
	}
}

// ValidateAPIKey probes a provider key against the provider's validation
// endpoint. Anthropic OAuth tokens return StatusTrustedWithoutCall because
// the endpoint rejects them by design.
func (v *Validator) ValidateAPIKey(ctx context.Context, provider, key string) Status {
	if strings.TrimSpace(key) == "" {
		return StatusInvalid
	}
	if provider == ProviderAnthropic && IsOAuthToken(key) {
		return StatusTrustedWithoutCall
	}

	var url string
	switch provider {
	case ProviderAnthropic:
		url = v.anthropicBase + "/v1/models"
	case ProviderOpenAI:
		url = v.openaiBase + "/v1/models"
	case ProviderGoogle:
		url = v.googleBase + "/v1beta/models"
	default:
		return StatusInvalid
	}

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return StatusInvalid
	}
	if provider == ProviderAnthropic {
		req.Header.Set("anthropic-version", "2023-06-01")
	}
	AuthHeader(provider, key).Apply(req)

	resp, err := v.do(ctx, req)
	if err != nil {
		return StatusUnreachable
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return StatusOK
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusInvalid
	case resp.StatusCode >= 500:
		return StatusUnreachable
	default:
		return StatusInvalid
	}
}

// ProviderContext is the per-attempt recovery record: the chosen provider,
// its working credential, and whether it is an OAuth token.
type ProviderContext struct {
	Provider string
	Key      string
	OAuth    bool
	Model    string
}

// defaultModels pins a usable model per provider for safe-mode configs.
var defaultModels = map[string]string{
	ProviderAnthropic: "anthropic/claude-sonnet-4",
	ProviderOpenAI:    "openai/gpt-4o-mini",
	ProviderGoogle:    "google/gemini-2.0-flash",
}

// FindWorkingProvider tries the preferred provider first, then the fixed
// fallback order. For each provider it first checks an OAuth profile if
// present, then the configured API key. StatusTrustedWithoutCall counts
// as working.
func (v *Validator) FindWorkingProvider(ctx context.Context, preferred string, keys, oauthProfiles map[string]string) (*ProviderContext, bool) {
	order := providerOrder(preferred)
	for _, p := range order {
		if oauth := oauthProfiles[p]; oauth != "" {
			if status := v.ValidateAPIKey(ctx, p, oauth); status.Usable() {
				return &ProviderContext{Provider: p, Key: oauth, OAuth: true, Model: defaultModels[p]}, true
			}
		}
		if key := keys[p]; key != "" {
			if status := v.ValidateAPIKey(ctx, p, key); status.Usable() {
				return &ProviderContext{Provider: p, Key: key, OAuth: IsOAuthToken(key), Model: defaultModels[p]}, true
			}
		}
	}
	return nil, false
}

// providerOrder returns the discovery order with preferred first and
// without duplicates.
func providerOrder(preferred string) []string {
	if preferred == "" {
		return fallbackOrder
	}
	order := []string{preferred}
	for _, p := range fallbackOrder {
		if p != preferred {
			order = append(order, p)
		}
	}
	return order
}

// ProviderFromModel extracts the provider label from a "provider/model-name"
// reference.
func ProviderFromModel(model string) string {
	if i := strings.Index(model, "/"); i > 0 {
		return model[:i]
	}
	return ""
}

// GroupProviderKeys merges the provider keys of every agent in a group,
// declaration order winning on conflict, for recovery discovery.
func GroupProviderKeys(m *manifest.Manifest, group string) map[string]string {
	keys := make(map[string]string)
	for _, a := range m.Agents {
		if group != "" && a.IsolationGroup != group {
			continue
		}
		for k, v := range a.ProviderKeys {
			if _, ok := keys[k]; !ok {
				keys[k] = v
			}
		}
	}
	return keys
}

// PreferredProvider returns the provider of the first agent's model in a
// group, used as the discovery preference.
func PreferredProvider(m *manifest.Manifest, group string) string {
	for _, a := range m.Agents {
		if group != "" && a.IsolationGroup != group {
			continue
		}
		if p := ProviderFromModel(a.Model); p != "" {
			return p
		}
	}
	return ""
}

// Describe renders a short human-readable summary of a provider context for
// diagnostic notifications.
func (pc *ProviderContext) Describe() string {
	kind := "API key"
	if pc.OAuth {
		kind = "OAuth token"
	}
	return fmt.Sprintf("%s (%s, model %s)", pc.Provider, kind, pc.Model)
}
