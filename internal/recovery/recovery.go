// Package recovery is the safe-mode handler: triggered by the unhealthy
// marker, it swaps the group's gateway config for a degraded one built from
// whatever credentials still verify, restarts the gateway, and tells the
// owner what happened. Attempts are bounded per group; exhaustion escalates
// to a critical notification and a terminal exit.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/services"
)

// LockStale bounds how long a crashed handler can hold the per-group lock.
const LockStale = 10 * time.Minute

// DebounceWindow suppresses re-entry right after a recovery attempt, giving
// the restarted gateway time to be probed.
const DebounceWindow = 5 * time.Minute

// ErrExhausted is returned when the attempt budget is spent. The CLI maps it
// to exit code 2, which the unit configuration treats as do-not-restart.
var ErrExhausted = fmt.Errorf("recovery attempts exhausted")

// Notifier is the owner-alert surface.
type Notifier interface {
	Send(ctx context.Context, kind, text string) error
}

// SafeModeProber verifies the degraded gateway and routes the diagnostic.
type SafeModeProber interface {
	RunSafeMode(ctx context.Context, group, diagnosticPrompt string) error
}

// Handler drives one group's recovery escalation.
type Handler struct {
	m         *manifest.Manifest
	settings  *hostenv.Settings
	markers   *markers.Store
	logger    *logging.Logger
	validator *credentials.Validator
	notifier  Notifier
	generator *gatewayconfig.Generator
	prober    SafeModeProber
	runner    services.CommandRunner

	debounce time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithDebounce overrides the re-entry window (used in tests).
func WithDebounce(d time.Duration) Option {
	return func(h *Handler) { h.debounce = d }
}

// New creates a Handler. A nil runner uses the real systemctl.
func New(m *manifest.Manifest, settings *hostenv.Settings, mk *markers.Store, logger *logging.Logger,
	v *credentials.Validator, notifier Notifier, gen *gatewayconfig.Generator, prober SafeModeProber,
	runner services.CommandRunner, opts ...Option) *Handler {
	if runner == nil {
		runner = services.ExecRunner
	}
	h := &Handler{
		m:         m,
		settings:  settings,
		markers:   mk,
		logger:    logger,
		validator: v,
		notifier:  notifier,
		generator: gen,
		prober:    prober,
		runner:    runner,
		debounce:  DebounceWindow,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes one recovery pass for a group. It is safe to invoke
// repeatedly: a per-group lock serializes handlers, the debounce marker
// absorbs trigger storms, and the attempt counter is bumped strictly before
// any restart so a crash mid-recovery still consumes an attempt.
func (h *Handler) Run(ctx context.Context, group string) error {
	g := h.m.Group(group)
	if g == nil {
		return fmt.Errorf("unknown isolation group: %q", group)
	}

	release, err := h.markers.Lock("recovery-"+group, LockStale)
	if err != nil {
		return err
	}
	defer release()

	if !h.markers.Present(markers.Unhealthy(group)) {
		h.logger.Infof("group %s is not marked unhealthy, nothing to recover", group)
		return nil
	}
	if mt, ok := h.markers.ModTime(markers.RecentlyRecovered(group)); ok && time.Since(mt) < h.debounce {
		h.logger.Infof("group %s recovered %s ago, debouncing", group, time.Since(mt).Round(time.Second))
		// Consume the trigger: the supervisor path unit fires on the
		// marker's presence, so leaving it would re-run this handler in
		// a tight loop for the whole debounce window.
		if err := h.markers.Clear(markers.Unhealthy(group)); err != nil {
			h.logger.Warningf("failed to clear unhealthy marker: %v", err)
		}
		return nil
	}

	attempt, err := h.markers.Increment(markers.RecoveryAttempts(group))
	if err != nil {
		return fmt.Errorf("failed to bump attempt counter: %w", err)
	}
	if attempt > h.settings.MaxRecoveryAttempts {
		return h.escalate(ctx, group, attempt)
	}
	h.logger.Warningf("recovering group %s, attempt %d of %d", group, attempt, h.settings.MaxRecoveryAttempts)

	rec, found := h.discover(ctx, group)
	mode := gatewayconfig.ModeSafeMode
	if !found {
		// Nothing verifies. Pin the group's first agent exactly as
		// configured and hope the earlier failure was transient.
		h.logger.Warningf("no working credentials discovered for group %s, falling back to emergency config", group)
		mode = gatewayconfig.ModeEmergency
		rec = nil
	}

	if err := h.writeDegradedConfig(g, mode, rec); err != nil {
		return err
	}
	if err := h.markers.Set(markers.SafeMode(group)); err != nil {
		h.logger.Warningf("failed to set safe-mode marker: %v", err)
	}
	if err := h.markers.Set(markers.RecentlyRecovered(group)); err != nil {
		h.logger.Warningf("failed to set debounce marker: %v", err)
	}
	// Consume the trigger before the restart so a fresh probe failure
	// produces a fresh trigger instead of re-running against stale state.
	if err := h.markers.Clear(markers.Unhealthy(group)); err != nil {
		h.logger.Warningf("failed to clear unhealthy marker: %v", err)
	}

	if err := h.runner("systemctl", "restart", services.GatewayUnit(group)); err != nil {
		return fmt.Errorf("failed to restart gateway for group %s: %w", group, err)
	}

	h.notifyRaw(ctx, group, attempt, mode, rec)
	if mode == gatewayconfig.ModeSafeMode {
		h.diagnose(ctx, group, attempt, rec)
	}
	return nil
}

// discover finds a chat token and a provider credential that still verify.
// Config-file tokens are consulted before the manifest's so a previously
// working safe-mode token is preferred, then the group's agents, then any
// agent on the host.
func (h *Handler) discover(ctx context.Context, group string) (*gatewayconfig.Recovery, bool) {
	var platform, agentID, token string
	for _, p := range h.m.EnabledPlatforms() {
		if id, tok, ok := h.validator.FindWorkingChatToken(ctx, h.m, p, group); ok {
			platform, agentID, token = p, id, tok
			break
		}
	}
	if token == "" {
		for _, p := range h.m.EnabledPlatforms() {
			if id, tok, ok := h.validator.FindWorkingChatToken(ctx, h.m, p, ""); ok {
				platform, agentID, token = p, id, tok
				break
			}
		}
	}
	if token == "" {
		return nil, false
	}

	provider, ok := h.validator.FindWorkingProvider(ctx,
		credentials.PreferredProvider(h.m, group),
		credentials.GroupProviderKeys(h.m, group),
		h.oauthProfiles())
	if !ok {
		// Widen to every agent's keys before giving up.
		provider, ok = h.validator.FindWorkingProvider(ctx, "",
			credentials.GroupProviderKeys(h.m, ""), h.oauthProfiles())
	}
	if !ok {
		return nil, false
	}

	return &gatewayconfig.Recovery{
		Platform: platform,
		AgentID:  agentID,
		Token:    token,
		Provider: provider,
	}, true
}

// oauthProfiles reads per-provider OAuth tokens dropped under the habitat
// home. Absent dir means no profiles.
func (h *Handler) oauthProfiles() map[string]string {
	dir := filepath.Join(h.settings.HomeDir, ".habitat", "auth-profiles")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	profiles := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		if tok := strings.TrimSpace(string(data)); tok != "" {
			profiles[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = tok
		}
	}
	return profiles
}

// writeDegradedConfig replaces the group's config, preserving the prior one
// under the pre-recovery suffix and reusing its auth token.
func (h *Handler) writeDegradedConfig(g *manifest.IsolationGroup, mode gatewayconfig.Mode, rec *gatewayconfig.Recovery) error {
	path := h.settings.GatewayConfigPath(g.Name)
	prior := gatewayconfig.PriorAuthToken(path)
	cfg, err := h.generator.Generate(h.m, g, mode, rec, prior)
	if err != nil {
		return fmt.Errorf("failed to build %s config for group %s: %w", mode, g.Name, err)
	}
	return h.generator.Write(cfg, path, true)
}

// notifyRaw sends the plain alert that does not depend on a working gateway.
// Keyed per group, not per attempt, so the owner hears about a degraded
// group at most once per boot.
func (h *Handler) notifyRaw(ctx context.Context, group string, attempt int, mode gatewayconfig.Mode, rec *gatewayconfig.Recovery) {
	var detail string
	if rec != nil {
		detail = fmt.Sprintf("using agent %s's %s token and provider %s", rec.AgentID, rec.Platform, rec.Provider.Describe())
	} else {
		detail = "no credentials verified, emergency config pinned to the first agent"
	}
	text := fmt.Sprintf("Habitat %s: group %s failed its health probe and was restarted in %s mode (attempt %d of %d), %s.",
		hostnameOr("host"), group, mode, attempt, h.settings.MaxRecoveryAttempts, detail)
	kind := "recovery-" + group
	if err := h.notifier.Send(ctx, kind, text); err != nil {
		h.logger.Warningf("recovery alert undeliverable: %v", err)
	}
}

// diagnose verifies the restarted safe-mode gateway and routes one
// AI-generated diagnostic message through it. Failures here are logged,
// never fatal: the next probe decides the group's fate.
func (h *Handler) diagnose(ctx context.Context, group string, attempt int, rec *gatewayconfig.Recovery) {
	prompt := fmt.Sprintf(
		"You are the recovery assistant for group %s. The group's gateway failed its health probe and was restarted in a degraded single-agent mode using %s. This was recovery attempt %d of %d. Write one short message for the owner explaining what happened and that you are available for diagnostics until the group passes a probe.",
		group, rec.Provider.Describe(), attempt, h.settings.MaxRecoveryAttempts)
	if err := h.prober.RunSafeMode(ctx, group, prompt); err != nil {
		h.logger.Warningf("safe-mode verification for group %s failed: %v", group, err)
	}
}

// escalate handles a spent attempt budget: one critical notification and a
// terminal error. The unhealthy trigger is consumed — the supervisor would
// otherwise re-fire on its presence until the unit's start limit tripped —
// and a separate exhausted marker records the state for operators.
func (h *Handler) escalate(ctx context.Context, group string, attempt int) error {
	h.logger.Criticalf("group %s exhausted its recovery budget (%d attempts)", group, attempt-1)
	if err := h.markers.Set(markers.Exhausted(group)); err != nil {
		h.logger.Warningf("failed to set exhausted marker: %v", err)
	}
	if err := h.markers.Clear(markers.Unhealthy(group)); err != nil {
		h.logger.Warningf("failed to clear unhealthy marker: %v", err)
	}
	text := fmt.Sprintf("Habitat %s: group %s is down and %d recovery attempts failed. Manual intervention required.",
		hostnameOr("host"), group, h.settings.MaxRecoveryAttempts)
	if err := h.notifier.Send(ctx, "recovery_exhausted-"+group, text); err != nil {
		h.logger.Errorf("exhaustion alert undeliverable: %v", err)
	}
	return ErrExhausted
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
