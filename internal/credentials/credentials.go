// Package credentials validates chat-platform tokens and LLM provider keys,
// and discovers working credentials for recovery. It is pure: no shared
// process state beyond the injected HTTP client and endpoints.
package credentials

import (
	"context"
	"net/http"
	"time"
)

// Status classifies a validation outcome. Invalid is an authoritative
// rejection; Unreachable is a transport failure and must not be blamed on
// the credential.
type Status int

const (
	StatusOK Status = iota
	StatusInvalid
	StatusUnreachable
	// StatusTrustedWithoutCall applies to credentials the provider cannot
	// validate over its validation endpoint (Anthropic OAuth tokens).
	StatusTrustedWithoutCall
)

// String implements fmt.Stringer for log output.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalid:
		return "invalid"
	case StatusUnreachable:
		return "unreachable"
	case StatusTrustedWithoutCall:
		return "trusted_without_call"
	}
	return "unknown"
}

// Usable reports whether the status counts as a working credential.
func (s Status) Usable() bool {
	return s == StatusOK || s == StatusTrustedWithoutCall
}

// Validator performs credential probes against chat and provider APIs.
type Validator struct {
	httpClient    *http.Client
	telegramBase  string
	discordBase   string
	anthropicBase string
	openaiBase    string
	googleBase    string
}

// Option configures a Validator.
type Option func(*Validator)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(v *Validator) { v.httpClient = client }
}

// WithTelegramBaseURL overrides the Telegram API base (useful for testing).
func WithTelegramBaseURL(url string) Option {
	return func(v *Validator) { v.telegramBase = url }
}

// WithDiscordBaseURL overrides the Discord API base.
func WithDiscordBaseURL(url string) Option {
	return func(v *Validator) { v.discordBase = url }
}

// WithAnthropicBaseURL overrides the Anthropic API base.
func WithAnthropicBaseURL(url string) Option {
	return func(v *Validator) { v.anthropicBase = url }
}

// WithOpenAIBaseURL overrides the OpenAI API base.
func WithOpenAIBaseURL(url string) Option {
	return func(v *Validator) { v.openaiBase = url }
}

// WithGoogleBaseURL overrides the Google AI API base.
func WithGoogleBaseURL(url string) Option {
	return func(v *Validator) { v.googleBase = url }
}

// NewValidator creates a Validator with production endpoints.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		telegramBase:  "https://api.telegram.org",
		discordBase:   "https://discord.com/api/v10",
		anthropicBase: "https://api.anthropic.com",
		openaiBase:    "https://api.openai.com",
		googleBase:    "https://generativelanguage.googleapis.com",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// doWithTimeout runs an HTTP request bounded by the validator's client
// timeout plus the caller's context.
func (v *Validator) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return v.httpClient.Do(req.WithContext(ctx))
}
