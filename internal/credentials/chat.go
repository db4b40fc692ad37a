package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/andywolf/habitat/internal/manifest"
)

// telegramTokenPattern is the documented bot token shape: numeric id,
// colon, opaque suffix.
var telegramTokenPattern = regexp.MustCompile(`^[0-9]+:[A-Za-z0-9_-]{10,}$`)

// ValidateChatToken probes a single chat token. Empty or malformed tokens
// return StatusInvalid without a network call. An authoritative rejection
// returns StatusInvalid; any other transport failure returns
// StatusUnreachable.
func (v *Validator) ValidateChatToken(ctx context.Context, platform, token string) Status {
	if strings.TrimSpace(token) == "" {
		return StatusInvalid
	}
	switch platform {
	case manifest.PlatformTelegram:
		return v.validateTelegramToken(ctx, token)
	case manifest.PlatformDiscord:
		return v.validateDiscordToken(ctx, token)
	}
	return StatusInvalid
}

// validateTelegramToken calls getMe and requires ok=true in the response.
func (v *Validator) validateTelegramToken(ctx context.Context, token string) Status {
	if !telegramTokenPattern.MatchString(token) {
		return StatusInvalid
	}

	url := fmt.Sprintf("%s/bot%s/getMe", v.telegramBase, token)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return StatusInvalid
	}

	resp, err := v.do(ctx, req)
	if err != nil {
		return StatusUnreachable
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return StatusUnreachable
	}

	if resp.StatusCode >= 500 {
		return StatusUnreachable
	}

	var getMe struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(body, &getMe); err != nil {
		return StatusUnreachable
	}
	if !getMe.OK {
		return StatusInvalid
	}
	return StatusOK
}

// validateDiscordToken calls users/@me with Bot auth and requires HTTP 200
// plus a non-empty user id.
func (v *Validator) validateDiscordToken(ctx context.Context, token string) Status {
	req, err := http.NewRequest(http.MethodGet, v.discordBase+"/users/@me", nil)
	if err != nil {
		return StatusInvalid
	}
	req.Header.Set("Authorization", "Bot "+token)

	resp, err := v.do(ctx, req)
	if err != nil {
		return StatusUnreachable
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return StatusUnreachable
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var me struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &me); err != nil || me.ID == "" {
			return StatusInvalid
		}
		return StatusOK
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return StatusInvalid
	case resp.StatusCode >= 500:
		return StatusUnreachable
	default:
		return StatusInvalid
	}
}

// FindWorkingChatToken iterates agent tokens for one platform, restricted to
// agents in the given isolation group ("" = all), in declaration order, and
// returns the first that validates ok.
func (v *Validator) FindWorkingChatToken(ctx context.Context, m *manifest.Manifest, platform, group string) (agentID, token string, found bool) {
	for _, a := range m.Agents {
		if group != "" && a.IsolationGroup != group {
			continue
		}
		tok := a.Tokens[platform]
		if tok == "" {
			continue
		}
		if v.ValidateChatToken(ctx, platform, tok) == StatusOK {
			return a.ID, tok, true
		}
	}
	return "", "", false
}
