// Package manifest decodes the input manifest (base64 of UTF-8 JSON passed
// in HABITAT_B64), validates it, and derives the isolation groups and the
// flat env projection consumed by the generators.
package manifest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/andywolf/habitat/internal/hostenv"
)

// Chat platforms understood by the core.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformBoth     = "both"
)

// Isolation modes.
const (
	IsolationNone      = "none"
	IsolationSession   = "session"
	IsolationContainer = "container"
)

// ReservedAgentID is never a valid agent id: the gateway's routing returns
// the wrong token for account keys named "default" and duplicates polling.
const ReservedAgentID = "default"

var groupLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Owner identifies the external identity receiving notifications on a platform.
type Owner struct {
	OwnerID string `json:"owner_id"`
}

// Platforms holds per-platform notification settings.
type Platforms struct {
	Telegram Owner `json:"telegram"`
	Discord  Owner `json:"discord"`
}

// Agent is one conversational endpoint from the manifest.
type Agent struct {
	ID             string            `json:"id"`
	IsolationGroup string            `json:"isolation_group,omitempty"`
	Isolation      string            `json:"isolation,omitempty"`
	Network        string            `json:"network,omitempty"`
	Model          string            `json:"model,omitempty"`
	Tokens         map[string]string `json:"tokens,omitempty"`
	ProviderKeys   map[string]string `json:"provider_keys,omitempty"`
	Identity       string            `json:"identity,omitempty"`
	Persona        string            `json:"persona,omitempty"`
	Boot           string            `json:"boot,omitempty"`
	Bootstrap      string            `json:"bootstrap,omitempty"`
	UserContext    string            `json:"user_context,omitempty"`

	// Unverifiable is set when the agent has no provider key even after
	// inheritance. The agent is kept but flagged.
	Unverifiable bool `json:"-"`
}

// Manifest is the input artifact. Written once by the external provisioner;
// never mutated by the core.
type Manifest struct {
	Name            string            `json:"name"`
	Platform        string            `json:"platform,omitempty"`
	Isolation       string            `json:"isolation,omitempty"`
	Network         string            `json:"network,omitempty"`
	SharedPaths     []string          `json:"shared_paths,omitempty"`
	APIBindAddress  string            `json:"api_bind_address,omitempty"`
	APISecret       string            `json:"api_secret,omitempty"`
	DestructMinutes int               `json:"destruct_minutes,omitempty"`
	Platforms       Platforms         `json:"platforms,omitempty"`
	ProviderKeys    map[string]string `json:"provider_keys,omitempty"`
	Agents          []Agent           `json:"agents"`
}

// IsolationGroup is the unit of supervision: agents sharing one gateway.
type IsolationGroup struct {
	Name   string
	Port   int
	Agents []Agent
}

// Decode parses base64-of-JSON manifest bytes. Hard errors reject the
// manifest; soft issues are returned as warnings and processing continues.
func Decode(b64 string) (*Manifest, []string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, nil, fmt.Errorf("manifest is not valid base64: %w", err)
	}
	if !utf8.Valid(raw) {
		return nil, nil, fmt.Errorf("manifest is not valid UTF-8")
	}

	var m Manifest
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&m); err != nil {
		return nil, nil, fmt.Errorf("manifest is not valid JSON: %w", err)
	}

	warnings, err := m.normalize()
	if err != nil {
		return nil, warnings, err
	}
	return &m, warnings, nil
}

// normalize applies defaults, inheritance, and validation. It returns
// warnings for soft issues and an error for hard schema violations.
func (m *Manifest) normalize() ([]string, error) {
	var warnings []string

	if m.Name == "" {
		return warnings, fmt.Errorf("manifest missing required field: name")
	}
	if len(m.Agents) == 0 {
		return warnings, fmt.Errorf("manifest has no agents")
	}

	if m.Platform == "" {
		m.Platform = PlatformTelegram
	}
	switch m.Platform {
	case PlatformTelegram, PlatformDiscord, PlatformBoth:
	default:
		return warnings, fmt.Errorf("invalid platform: %q", m.Platform)
	}

	if m.Isolation == "" {
		m.Isolation = IsolationNone
	}
	switch m.Isolation {
	case IsolationNone, IsolationSession, IsolationContainer:
	default:
		return warnings, fmt.Errorf("invalid isolation mode: %q", m.Isolation)
	}
	if m.Network != "" && m.Isolation == IsolationNone {
		return warnings, fmt.Errorf("network setting requires isolation other than none")
	}

	for _, p := range m.SharedPaths {
		if !strings.HasPrefix(p, "/") {
			return warnings, fmt.Errorf("shared path is not absolute: %q", p)
		}
	}

	if m.APIBindAddress != "" && !isLoopback(m.APIBindAddress) && m.APISecret == "" {
		return warnings, fmt.Errorf("api_secret is required for non-loopback api_bind_address")
	}

	// Provider secrets arrive base64-encoded. Decoding happens here, once,
	// so validation and config emission both see the runtime value. Secret
	// references are resolved into runtime values later and skip this.
	decodeKeys := func(label string, keys map[string]string) {
		for k, v := range keys {
			if v == "" || IsSecretRef(v) {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(v)
			if err != nil || !utf8.Valid(raw) {
				warnings = append(warnings, fmt.Sprintf("%s.%s is not base64-encoded; using the value as-is", label, k))
				continue
			}
			keys[k] = string(raw)
		}
	}
	decodeKeys("provider_keys", m.ProviderKeys)

	seen := make(map[string]bool, len(m.Agents))
	for i := range m.Agents {
		a := &m.Agents[i]
		if a.ID == "" {
			return warnings, fmt.Errorf("agent %d missing required field: id", i)
		}
		a.ID = canonicalID(a.ID)
		if a.ID == ReservedAgentID {
			return warnings, fmt.Errorf("agent id %q is reserved", ReservedAgentID)
		}
		if seen[a.ID] {
			return warnings, fmt.Errorf("duplicate agent id: %q", a.ID)
		}
		seen[a.ID] = true

		if a.IsolationGroup == "" {
			a.IsolationGroup = a.ID
		}
		if !groupLabelPattern.MatchString(a.IsolationGroup) {
			return warnings, fmt.Errorf("invalid isolation group label: %q", a.IsolationGroup)
		}
		if a.Isolation == "" {
			a.Isolation = m.Isolation
		}
		if a.Network != "" && a.Isolation == IsolationNone {
			return warnings, fmt.Errorf("agent %s: network setting requires isolation other than none", a.ID)
		}

		decodeKeys(fmt.Sprintf("agents[%s].provider_keys", a.ID), a.ProviderKeys)

		// Provider keys inherit from the parent unless overridden.
		if len(m.ProviderKeys) > 0 {
			if a.ProviderKeys == nil {
				a.ProviderKeys = make(map[string]string, len(m.ProviderKeys))
			}
			for k, v := range m.ProviderKeys {
				if _, ok := a.ProviderKeys[k]; !ok {
					a.ProviderKeys[k] = v
				}
			}
		}
		if len(a.ProviderKeys) == 0 {
			a.Unverifiable = true
			warnings = append(warnings, fmt.Sprintf("agent %s has no provider key and may be unverifiable", a.ID))
		}

		if !m.agentHasUsableToken(a) {
			return warnings, fmt.Errorf("agent %s has no token for platform %s", a.ID, m.Platform)
		}
	}

	if m.usesPlatform(PlatformTelegram) && m.Platforms.Telegram.OwnerID == "" {
		warnings = append(warnings, "telegram is configured but platforms.telegram.owner_id is absent; the owner is unreachable on telegram")
	}
	if m.usesPlatform(PlatformDiscord) && m.Platforms.Discord.OwnerID == "" {
		warnings = append(warnings, "discord is configured but platforms.discord.owner_id is absent; the owner is unreachable on discord")
	}

	return warnings, nil
}

func (m *Manifest) agentHasUsableToken(a *Agent) bool {
	switch m.Platform {
	case PlatformBoth:
		return a.Tokens[PlatformTelegram] != "" || a.Tokens[PlatformDiscord] != ""
	default:
		return a.Tokens[m.Platform] != ""
	}
}

func (m *Manifest) usesPlatform(p string) bool {
	return m.Platform == p || m.Platform == PlatformBoth
}

// EnabledPlatforms lists the chat platforms in try order: preferred first.
func (m *Manifest) EnabledPlatforms() []string {
	switch m.Platform {
	case PlatformBoth:
		return []string{PlatformTelegram, PlatformDiscord}
	case PlatformDiscord:
		return []string{PlatformDiscord, PlatformTelegram}
	default:
		return []string{PlatformTelegram, PlatformDiscord}
	}
}

// OwnerFor returns the owner id for a platform, if configured.
func (m *Manifest) OwnerFor(platform string) string {
	switch platform {
	case PlatformTelegram:
		return m.Platforms.Telegram.OwnerID
	case PlatformDiscord:
		return m.Platforms.Discord.OwnerID
	}
	return ""
}

// AgentByID returns the agent with the given id, or nil.
func (m *Manifest) AgentByID(id string) *Agent {
	for i := range m.Agents {
		if m.Agents[i].ID == id {
			return &m.Agents[i]
		}
	}
	return nil
}

// Groups derives the isolation groups: numbered stably by sorted name,
// ports assigned from the fixed base. Every agent belongs to exactly one
// group; declaration order is preserved within a group.
func (m *Manifest) Groups() []IsolationGroup {
	byName := make(map[string][]Agent)
	var names []string
	for _, a := range m.Agents {
		if _, ok := byName[a.IsolationGroup]; !ok {
			names = append(names, a.IsolationGroup)
		}
		byName[a.IsolationGroup] = append(byName[a.IsolationGroup], a)
	}
	sort.Strings(names)

	groups := make([]IsolationGroup, 0, len(names))
	for i, name := range names {
		groups = append(groups, IsolationGroup{
			Name:   name,
			Port:   hostenv.GatewayBasePort + i,
			Agents: byName[name],
		})
	}
	return groups
}

// Group returns the isolation group with the given name, or nil.
func (m *Manifest) Group(name string) *IsolationGroup {
	groups := m.Groups()
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i]
		}
	}
	return nil
}

// canonicalID lowercases and hyphenates an agent label.
func canonicalID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.ReplaceAll(id, " ", "-")
	id = strings.ReplaceAll(id, "_", "-")
	return id
}

func isLoopback(addr string) bool {
	return addr == "127.0.0.1" || addr == "localhost" || addr == "::1" || addr == "loopback"
}
