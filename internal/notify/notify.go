// Package notify delivers alerts to the owner through whatever chat
// transport is reachable. Delivery is best-effort: when no token works the
// call fails silently after recording the reason. Sends are idempotent per
// boot, guarded by notification markers.
package notify

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/mymmrac/telego"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
)

// Sender delivers one message on one platform with one token.
type Sender func(ctx context.Context, token, ownerID, text string) error

// Notifier discovers a working token and sends owner alerts.
type Notifier struct {
	m         *manifest.Manifest
	validator *credentials.Validator
	markers   *markers.Store
	logger    *logging.Logger

	// safeModeConfigPaths lists gateway config files whose tokens are
	// consulted before the manifest's agent tokens.
	safeModeConfigPaths []string

	senders map[string]Sender
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithSender overrides the sender for a platform (used in tests).
func WithSender(platform string, s Sender) Option {
	return func(n *Notifier) { n.senders[platform] = s }
}

// WithSafeModeConfigs sets the gateway config files consulted for tokens
// before the manifest.
func WithSafeModeConfigs(paths ...string) Option {
	return func(n *Notifier) { n.safeModeConfigPaths = paths }
}

// New creates a Notifier with real platform senders.
func New(m *manifest.Manifest, v *credentials.Validator, mk *markers.Store, logger *logging.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		m:         m,
		validator: v,
		markers:   mk,
		logger:    logger,
		senders: map[string]Sender{
			manifest.PlatformTelegram: sendTelegram,
			manifest.PlatformDiscord:  sendDiscord,
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send delivers text to the owner, trying the preferred platform first.
// kind is the idempotency key; "" disables the per-boot guard.
func (n *Notifier) Send(ctx context.Context, kind, text string) error {
	if kind != "" && n.markers.Present(markers.NotificationSent(kind)) {
		n.logger.Infof("notification %q already sent this boot", kind)
		return nil
	}

	for _, platform := range n.m.EnabledPlatforms() {
		owner := n.m.OwnerFor(platform)
		if owner == "" {
			continue
		}
		token, found := n.findToken(ctx, platform)
		if !found {
			continue
		}
		if err := n.senders[platform](ctx, token, owner, text); err != nil {
			n.logger.Warningf("notification via %s failed: %v", platform, err)
			continue
		}
		if kind != "" {
			if err := n.markers.Set(markers.NotificationSent(kind)); err != nil {
				n.logger.Warningf("failed to set notification marker: %v", err)
			}
		}
		return nil
	}

	n.logger.Errorf("notification undeliverable: no working token on any platform")
	return fmt.Errorf("no working chat token for notification")
}

// findToken looks for a working token: safe-mode config tokens first, then
// the manifest's agent tokens in declaration order.
func (n *Notifier) findToken(ctx context.Context, platform string) (string, bool) {
	for _, path := range n.safeModeConfigPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		cfg, err := gatewayconfig.Parse(data)
		if err != nil {
			continue
		}
		var ch *gatewayconfig.Channel
		if platform == manifest.PlatformTelegram {
			ch = cfg.Channels.Telegram
		} else {
			ch = cfg.Channels.Discord
		}
		if ch == nil {
			continue
		}
		for _, acct := range ch.Accounts {
			if acct.BotToken == "" {
				continue
			}
			if n.validator.ValidateChatToken(ctx, platform, acct.BotToken) == credentials.StatusOK {
				return acct.BotToken, true
			}
		}
	}

	if _, token, found := n.validator.FindWorkingChatToken(ctx, n.m, platform, ""); found {
		return token, true
	}
	return "", false
}

// sendTelegram delivers via the Bot API.
func sendTelegram(ctx context.Context, token, ownerID, text string) error {
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram owner id is not numeric: %w", err)
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("failed to create telegram client: %w", err)
	}
	_, err = bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: chatID},
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

// sendDiscord delivers via a DM channel to the owner.
func sendDiscord(ctx context.Context, token, ownerID, text string) error {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("failed to create discord client: %w", err)
	}
	channel, err := session.UserChannelCreate(ownerID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to open discord DM channel: %w", err)
	}
	if _, err := session.ChannelMessageSend(channel.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send failed: %w", err)
	}
	return nil
}
