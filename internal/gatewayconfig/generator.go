package gatewayconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/andywolf/habitat/internal/atomicfile"
	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/manifest"
)

// PreRecoverySuffix preserves the prior config when the safe-mode flow
// replaces it.
const PreRecoverySuffix = ".pre-recovery"

// envKeyFor maps a provider label to its runtime env variable.
func envKeyFor(provider string) string {
	switch provider {
	case credentials.ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	case credentials.ProviderOpenAI:
		return "OPENAI_API_KEY"
	case credentials.ProviderGoogle:
		return "GEMINI_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}

// Recovery carries the per-attempt context for safe-mode and emergency
// modes: the best working chat platform and token, and the chosen provider.
type Recovery struct {
	Platform string
	AgentID  string
	Token    string
	Provider *credentials.ProviderContext
}

// Generator assembles gateway configs. The generator is the exclusive
// writer of the config file.
type Generator struct {
	workspaceDir func(agentID string) string
}

// NewGenerator creates a Generator. workspaceDir maps an agent id to its
// on-disk workspace (nil leaves workspaces unset).
func NewGenerator(workspaceDir func(agentID string) string) *Generator {
	return &Generator{workspaceDir: workspaceDir}
}

// Generate assembles a config for one isolation group. The assembly steps
// are identical for every mode: gateway base block, account entries keyed
// by agent id, the ordered agent list, then the env block.
// priorToken, when non-empty, is reused instead of minting a new auth token.
func (g *Generator) Generate(m *manifest.Manifest, group *manifest.IsolationGroup, mode Mode, rec *Recovery, priorToken string) (*Config, error) {
	if group == nil {
		return nil, fmt.Errorf("isolation group is required")
	}

	token := priorToken
	if token == "" {
		token = uuid.NewString()
	}

	cfg := &Config{
		Gateway: Gateway{
			Bind: LoopbackBind,
			Port: group.Port,
			Auth: Auth{Token: token},
		},
		Env: make(map[string]string),
	}

	switch mode {
	case ModeFull, ModeSession:
		agents := group.Agents
		if mode == ModeFull {
			agents = m.Agents
		}
		for _, a := range agents {
			g.addAgent(cfg, m, a)
		}
	case ModeSafeMode, ModeMinimal, ModeEmergency:
		if err := g.addRecoveryAgent(cfg, m, group, mode, rec); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown generator mode: %q", mode)
	}

	if len(cfg.Env) == 0 {
		cfg.Env = nil
	}
	return cfg, nil
}

// addAgent contributes one manifest agent: an account entry per platform it
// has a token for, its descriptor, and its provider secrets. Provider keys
// were decoded from their transport encoding when the manifest was parsed;
// they are emitted verbatim here.
func (g *Generator) addAgent(cfg *Config, m *manifest.Manifest, a manifest.Agent) {
	for _, platform := range []string{manifest.PlatformTelegram, manifest.PlatformDiscord} {
		tok := a.Tokens[platform]
		if tok == "" {
			continue
		}
		ch := cfg.channelFor(platform)
		ch.Accounts[a.ID] = Account{BotToken: tok}
	}

	entry := AgentEntry{ID: a.ID, Model: a.Model}
	if g.workspaceDir != nil {
		entry.Workspace = g.workspaceDir(a.ID)
	}
	cfg.Agents.List = append(cfg.Agents.List, entry)

	for provider, key := range a.ProviderKeys {
		cfg.Env[envKeyFor(provider)] = key
	}
}

// addRecoveryAgent emits the single degraded agent. Safe mode uses the
// discovered recovery context; emergency pins agent-1's exact configured
// credentials with no further fallback logic.
func (g *Generator) addRecoveryAgent(cfg *Config, m *manifest.Manifest, group *manifest.IsolationGroup, mode Mode, rec *Recovery) error {
	switch mode {
	case ModeSafeMode:
		if rec == nil || rec.Token == "" || rec.Provider == nil {
			return fmt.Errorf("safe mode requires a recovery context")
		}
		ch := cfg.channelFor(rec.Platform)
		ch.Accounts[SafeModeAgentID] = Account{BotToken: rec.Token}
		entry := AgentEntry{ID: SafeModeAgentID, Model: rec.Provider.Model}
		if g.workspaceDir != nil {
			entry.Workspace = g.workspaceDir(SafeModeAgentID)
		}
		cfg.Agents.List = append(cfg.Agents.List, entry)
		cfg.Env[envKeyFor(rec.Provider.Provider)] = rec.Provider.Key
		return nil

	case ModeMinimal, ModeEmergency:
		if len(group.Agents) == 0 {
			return fmt.Errorf("group %s has no agents", group.Name)
		}
		a := group.Agents[0]
		for _, platform := range m.EnabledPlatforms() {
			tok := a.Tokens[platform]
			if tok == "" {
				continue
			}
			ch := cfg.channelFor(platform)
			ch.Accounts[a.ID] = Account{BotToken: tok}
			break
		}
		entry := AgentEntry{ID: a.ID, Model: a.Model}
		if g.workspaceDir != nil {
			entry.Workspace = g.workspaceDir(a.ID)
		}
		cfg.Agents.List = append(cfg.Agents.List, entry)
		for provider, key := range a.ProviderKeys {
			cfg.Env[envKeyFor(provider)] = key
		}
		return nil
	}
	return fmt.Errorf("mode %q is not a recovery mode", mode)
}

func (c *Config) channelFor(platform string) *Channel {
	switch platform {
	case manifest.PlatformTelegram:
		if c.Channels.Telegram == nil {
			c.Channels.Telegram = &Channel{Accounts: make(map[string]Account)}
		}
		return c.Channels.Telegram
	default:
		if c.Channels.Discord == nil {
			c.Channels.Discord = &Channel{Accounts: make(map[string]Account)}
		}
		return c.Channels.Discord
	}
}

// PriorAuthToken reads the auth token from an existing config file, so the
// token is regenerated only if absent.
func PriorAuthToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	cfg, err := Parse(data)
	if err != nil {
		return ""
	}
	return cfg.Gateway.Auth.Token
}

// Write marshals (with self-parse check) and atomically replaces the config
// file. preserve selects the .pre-recovery snapshot behaviour used by the
// safe-mode flow.
func (g *Generator) Write(cfg *Config, path string, preserve bool) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if preserve {
		if err := atomicfile.PreserveThenWrite(path, data, 0o600, PreRecoverySuffix); err != nil {
			return fmt.Errorf("failed to write gateway config: %w", err)
		}
		return nil
	}
	if err := atomicfile.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write gateway config: %w", err)
	}
	return nil
}
