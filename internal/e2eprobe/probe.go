// Package e2eprobe verifies a gateway end to end: chat tokens answer their
// platform APIs, and every agent produces a model-generated reply through
// the gateway's loopback chat endpoint. It runs as a oneshot bound to the
// gateway unit; a failure writes the unhealthy marker that triggers the
// recovery handler.
package e2eprobe

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
)

// HealthPrompt asks the model for a fixed sentinel. Any reply containing the
// sentinel passes; models decorate their answers.
const HealthPrompt = "Reply with exactly: HEALTH_CHECK_OK"

// healthSentinel is the substring a passing reply must contain.
const healthSentinel = "HEALTH_CHECK_OK"

// AgentTimeout bounds each individual agent exchange.
const AgentTimeout = 30 * time.Second

// ChatClient is the gateway conversation surface the probe exercises.
type ChatClient interface {
	Chat(ctx context.Context, agentID, message string, deliver bool) (string, error)
}

// Probe drives the token, agent, and introduction stages for one group.
type Probe struct {
	m         *manifest.Manifest
	settings  *hostenv.Settings
	markers   *markers.Store
	logger    *logging.Logger
	validator *credentials.Validator

	clientFor    func(port int, authToken string) ChatClient
	agentTimeout time.Duration
}

// Option configures a Probe.
type Option func(*Probe)

// WithClientFactory overrides gateway client construction (used in tests).
func WithClientFactory(f func(port int, authToken string) ChatClient) Option {
	return func(p *Probe) { p.clientFor = f }
}

// WithAgentTimeout overrides the per-agent exchange deadline (used in tests).
func WithAgentTimeout(d time.Duration) Option {
	return func(p *Probe) { p.agentTimeout = d }
}

// New creates a Probe.
func New(m *manifest.Manifest, settings *hostenv.Settings, mk *markers.Store, logger *logging.Logger, v *credentials.Validator, opts ...Option) *Probe {
	p := &Probe{
		m:         m,
		settings:  settings,
		markers:   mk,
		logger:    logger,
		validator: v,
		clientFor: func(port int, authToken string) ChatClient {
			return NewClient(fmt.Sprintf("http://%s:%d", gatewayconfig.LoopbackBind, port), authToken)
		},
		agentTimeout: AgentTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full probe for one group. agentIDs narrows the agent
// stage to a subset; empty means every agent in the group. On failure the
// unhealthy marker is written and a non-nil error returned.
func (p *Probe) Run(ctx context.Context, group string, agentIDs []string) error {
	g := p.m.Group(group)
	if g == nil {
		return fmt.Errorf("unknown isolation group: %q", group)
	}

	agents, err := selectAgents(g, agentIDs)
	if err != nil {
		return err
	}

	if err := p.tokenStage(ctx, group, agents); err != nil {
		return p.fail(group, err)
	}

	client, err := p.gatewayClient(group, g.Port)
	if err != nil {
		return p.fail(group, err)
	}

	if err := p.agentStage(ctx, client, agents); err != nil {
		return p.fail(group, err)
	}

	p.clearDegradedState(group)
	p.introStage(ctx, client, group, agents)

	p.logger.Infof("end-to-end probe passed for group %s (%d agents)", group, len(agents))
	return nil
}

// RunSafeMode probes the recovery agent through the degraded config and, on
// success, routes one diagnostic message to the owner through that agent.
func (p *Probe) RunSafeMode(ctx context.Context, group, diagnosticPrompt string) error {
	g := p.m.Group(group)
	if g == nil {
		return fmt.Errorf("unknown isolation group: %q", group)
	}

	client, err := p.gatewayClient(group, g.Port)
	if err != nil {
		return fmt.Errorf("safe-mode probe cannot reach gateway config: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.agentTimeout)
	defer cancel()
	reply, err := client.Chat(cctx, gatewayconfig.SafeModeAgentID, HealthPrompt, false)
	if err != nil {
		return fmt.Errorf("safe-mode agent exchange failed: %w", err)
	}
	if !strings.Contains(reply, healthSentinel) {
		return fmt.Errorf("safe-mode agent reply missing sentinel: %q", truncate(reply, 120))
	}
	p.logger.Infof("safe-mode agent for group %s is responsive", group)

	if diagnosticPrompt != "" {
		dctx, dcancel := context.WithTimeout(ctx, p.agentTimeout)
		defer dcancel()
		if _, err := client.Chat(dctx, gatewayconfig.SafeModeAgentID, diagnosticPrompt, true); err != nil {
			p.logger.Warningf("diagnostic message via safe-mode agent failed: %v", err)
		}
	}
	return nil
}

// tokenStage validates every chat token of every probed agent. A single
// invalid token fails the stage; unreachable platform APIs do not blame the
// token but still fail, with a distinct reason.
func (p *Probe) tokenStage(ctx context.Context, group string, agents []manifest.Agent) error {
	unreachable := 0
	for _, a := range agents {
		for _, platform := range p.m.EnabledPlatforms() {
			token := a.Tokens[platform]
			if token == "" {
				continue
			}
			switch status := p.validator.ValidateChatToken(ctx, platform, token); status {
			case credentials.StatusOK:
			case credentials.StatusInvalid:
				return fmt.Errorf("agent %s has an invalid %s token", a.ID, platform)
			case credentials.StatusUnreachable:
				p.logger.Warningf("%s API unreachable while checking agent %s", platform, a.ID)
				unreachable++
			default:
				return fmt.Errorf("unexpected token status %s for agent %s", status, a.ID)
			}
		}
	}
	if unreachable > 0 {
		return fmt.Errorf("token verification incomplete for group %s: %d checks unreachable", group, unreachable)
	}
	return nil
}

// agentStage exchanges the health prompt with every agent concurrently, each
// under its own deadline. Exchanges are independent; the first recorded
// failure is reported.
func (p *Probe) agentStage(ctx context.Context, client ChatClient, agents []manifest.Agent) error {
	var wg sync.WaitGroup
	errs := make([]error, len(agents))

	for i, a := range agents {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			actx, cancel := context.WithTimeout(ctx, p.agentTimeout)
			defer cancel()

			reply, err := client.Chat(actx, agentID, HealthPrompt, false)
			if err != nil {
				errs[i] = fmt.Errorf("agent %s exchange failed: %w", agentID, err)
				return
			}
			if !strings.Contains(reply, healthSentinel) {
				errs[i] = fmt.Errorf("agent %s reply missing sentinel: %q", agentID, truncate(reply, 120))
			}
		}(i, a.ID)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// introStage sends each agent's one-time introduction to its own chat
// account. It runs at most once per group across the host's lifetime and is
// best-effort: a failed introduction never degrades a healthy group.
func (p *Probe) introStage(ctx context.Context, client ChatClient, group string, agents []manifest.Agent) {
	if p.markers.Present(markers.IntroSent(group)) {
		return
	}
	host := hostnameOr("this host")
	for _, a := range agents {
		prompt := fmt.Sprintf("You just came online on %s. Introduce yourself to your owner in one short friendly message.", host)
		ictx, cancel := context.WithTimeout(ctx, p.agentTimeout)
		if _, err := client.Chat(ictx, a.ID, prompt, true); err != nil {
			p.logger.Warningf("introduction from agent %s failed: %v", a.ID, err)
		}
		cancel()
	}
	if err := p.markers.Set(markers.IntroSent(group)); err != nil {
		p.logger.Warningf("failed to record introduction marker: %v", err)
	}
}

// gatewayClient builds a client from the group's config file, reusing the
// gateway's own auth token.
func (p *Probe) gatewayClient(group string, port int) (ChatClient, error) {
	path := p.settings.GatewayConfigPath(group)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config for group %s: %w", group, err)
	}
	cfg, err := gatewayconfig.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("gateway config for group %s is unreadable: %w", group, err)
	}
	return p.clientFor(port, cfg.Gateway.Auth.Token), nil
}

// clearDegradedState removes the failure bookkeeping once the group proves
// healthy end to end.
func (p *Probe) clearDegradedState(group string) {
	for _, name := range []string{
		markers.Unhealthy(group),
		markers.SafeMode(group),
		markers.RecentlyRecovered(group),
		markers.RecoveryAttempts(group),
		markers.Exhausted(group),
	} {
		if err := p.markers.Clear(name); err != nil {
			p.logger.Warningf("failed to clear marker %s: %v", name, err)
		}
	}
}

// fail writes the unhealthy marker so the recovery trigger fires, then
// returns the terminal error.
func (p *Probe) fail(group string, cause error) error {
	p.logger.Errorf("end-to-end probe failed for group %s: %v", group, cause)
	if err := p.markers.Set(markers.Unhealthy(group)); err != nil {
		p.logger.Errorf("failed to write unhealthy marker: %v", err)
	}
	return fmt.Errorf("end-to-end probe failed: %w", cause)
}

func selectAgents(g *manifest.IsolationGroup, ids []string) ([]manifest.Agent, error) {
	if len(ids) == 0 {
		return g.Agents, nil
	}
	byID := make(map[string]manifest.Agent, len(g.Agents))
	for _, a := range g.Agents {
		byID[a.ID] = a
	}
	out := make([]manifest.Agent, 0, len(ids))
	for _, id := range ids {
		a, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("agent %q is not in group %s", id, g.Name)
		}
		out = append(out, a)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func hostnameOr(fallback string) string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return fallback
}
