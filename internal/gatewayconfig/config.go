// Package gatewayconfig is the single source of truth for the gateway
// configuration JSON. Every mode emits a structurally identical config;
// JSON is constructed via typed structs and never via string interpolation,
// and the generator parses its own output before writing.
package gatewayconfig

import (
	"encoding/json"
	"fmt"
)

// Mode selects the agent/channel/env subset the generator emits.
type Mode string

const (
	// ModeFull emits every agent across every group.
	ModeFull Mode = "full"
	// ModeSession emits only the agents of one isolation group.
	ModeSession Mode = "session"
	// ModeSafeMode emits the single recovery agent with discovered credentials.
	ModeSafeMode Mode = "safe_mode"
	// ModeMinimal is a compact static fallback (may be retired).
	ModeMinimal Mode = "minimal"
	// ModeEmergency pins agent-1's exact configured credentials, no fallback logic.
	ModeEmergency Mode = "emergency"
)

// LoopbackBind is the only permitted gateway bind address. In-host CLI
// delivery probes authenticate via loopback; any broader bind breaks them.
const LoopbackBind = "127.0.0.1"

// SafeModeAgentID is the account id of the diagnostic agent.
const SafeModeAgentID = "safemodebot"

// Account is one chat account entry, keyed by agent id.
type Account struct {
	BotToken string `json:"bot_token"`
}

// Channel holds the per-platform account map.
type Channel struct {
	Accounts map[string]Account `json:"accounts,omitempty"`
}

// Channels groups the chat platforms.
type Channels struct {
	Telegram *Channel `json:"telegram,omitempty"`
	Discord  *Channel `json:"discord,omitempty"`
}

// Auth carries the gateway's random opaque token.
type Auth struct {
	Token string `json:"token"`
}

// Gateway is the listener block. Bind is always loopback.
type Gateway struct {
	Bind string `json:"bind"`
	Port int    `json:"port"`
	Auth Auth   `json:"auth"`
}

// AgentEntry is one agent descriptor in declaration order.
type AgentEntry struct {
	ID        string `json:"id"`
	Model     string `json:"model,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// Agents wraps the ordered agent list.
type Agents struct {
	List []AgentEntry `json:"list"`
}

// Config is the canonical gateway configuration artifact.
type Config struct {
	Gateway  Gateway           `json:"gateway"`
	Channels Channels          `json:"channels"`
	Agents   Agents            `json:"agents"`
	Env      map[string]string `json:"env,omitempty"`
}

// Validate enforces the load-bearing invariants: loopback bind, no account
// key named "default", and account keys forming a subset of agent ids.
func (c *Config) Validate() error {
	if c.Gateway.Bind != LoopbackBind {
		return fmt.Errorf("gateway bind must be %s, got %q", LoopbackBind, c.Gateway.Bind)
	}
	if c.Gateway.Port <= 0 {
		return fmt.Errorf("gateway port must be positive, got %d", c.Gateway.Port)
	}

	ids := make(map[string]bool, len(c.Agents.List))
	for _, a := range c.Agents.List {
		if a.ID == "" {
			return fmt.Errorf("agent entry with empty id")
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate agent id in list: %q", a.ID)
		}
		ids[a.ID] = true
	}

	check := func(platform string, ch *Channel) error {
		if ch == nil {
			return nil
		}
		for key := range ch.Accounts {
			if key == "default" {
				return fmt.Errorf("%s account key %q is malformed", platform, key)
			}
			if !ids[key] {
				return fmt.Errorf("%s account key %q is not an agent id", platform, key)
			}
		}
		return nil
	}
	if err := check("telegram", c.Channels.Telegram); err != nil {
		return err
	}
	if err := check("discord", c.Channels.Discord); err != nil {
		return err
	}
	return nil
}

// Marshal serializes the config and re-parses the output, refusing to emit
// anything that does not round-trip. A parse failure here is a programming
// error in the generator.
func (c *Config) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var check Config
	if err := json.Unmarshal(data, &check); err != nil {
		return nil, fmt.Errorf("generated config does not parse: %w", err)
	}
	if err := check.Validate(); err != nil {
		return nil, fmt.Errorf("generated config fails validation after round-trip: %w", err)
	}
	return append(data, '\n'), nil
}

// Parse reads a config from bytes.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse gateway config: %w", err)
	}
	return &c, nil
}
