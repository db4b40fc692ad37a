package gatewayconfig

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/manifest"
)

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:     "x",
		Platform: manifest.PlatformTelegram,
		Agents: []manifest.Agent{
			{ID: "alpha", IsolationGroup: "g1",
				Model:        "anthropic/claude-sonnet-4",
				Tokens:       map[string]string{manifest.PlatformTelegram: "111:alpha-token-aa"},
				ProviderKeys: map[string]string{"anthropic": "sk-ant-alpha"}},
			{ID: "beta", IsolationGroup: "g1",
				Tokens:       map[string]string{manifest.PlatformDiscord: "beta-discord-token"},
				ProviderKeys: map[string]string{"openai": "sk-openai-beta"}},
			{ID: "gamma", IsolationGroup: "g2",
				Tokens:       map[string]string{manifest.PlatformTelegram: "333:gamma-token-cc"},
				ProviderKeys: map[string]string{"anthropic": "sk-ant-gamma"}},
		},
	}
}

func TestGenerateSessionMode(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(func(id string) string { return "/home/agent/workspaces/" + id })

	g := m.Group("g1")
	cfg, err := gen.Generate(m, g, ModeSession, nil, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if cfg.Gateway.Bind != LoopbackBind {
		t.Errorf("bind = %q", cfg.Gateway.Bind)
	}
	if cfg.Gateway.Port != hostenv.GatewayBasePort {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.Auth.Token == "" {
		t.Error("auth token not minted")
	}
	if len(cfg.Agents.List) != 2 {
		t.Fatalf("agent list = %v", cfg.Agents.List)
	}
	if cfg.Agents.List[0].ID != "alpha" || cfg.Agents.List[1].ID != "beta" {
		t.Errorf("declaration order lost: %v", cfg.Agents.List)
	}
	if cfg.Agents.List[0].Workspace != "/home/agent/workspaces/alpha" {
		t.Errorf("workspace = %q", cfg.Agents.List[0].Workspace)
	}
	if _, ok := cfg.Channels.Telegram.Accounts["alpha"]; !ok {
		t.Error("telegram account keyed by agent id missing")
	}
	if _, ok := cfg.Channels.Discord.Accounts["beta"]; !ok {
		t.Error("discord account keyed by agent id missing")
	}
	// g2's agent must not leak into g1's session config.
	for _, a := range cfg.Agents.List {
		if a.ID == "gamma" {
			t.Error("session mode leaked another group's agent")
		}
	}
	if cfg.Env["ANTHROPIC_API_KEY"] != "sk-ant-alpha" {
		t.Errorf("env = %v", cfg.Env)
	}
}

func TestGenerateFullModeIncludesAllAgents(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	cfg, err := gen.Generate(m, m.Group("g1"), ModeFull, nil, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cfg.Agents.List) != 3 {
		t.Errorf("full mode agent count = %d", len(cfg.Agents.List))
	}
}

func TestNoDefaultAccountKey(t *testing.T) {
	cfg := &Config{
		Gateway: Gateway{Bind: LoopbackBind, Port: 18800, Auth: Auth{Token: "t"}},
		Channels: Channels{Telegram: &Channel{Accounts: map[string]Account{
			"default": {BotToken: "111:zzz"},
		}}},
		Agents: Agents{List: []AgentEntry{{ID: "default"}}},
	}
	if _, err := cfg.Marshal(); err == nil {
		t.Fatal("config with a default account key must be rejected")
	}
}

func TestAccountKeysSubsetOfAgentIDs(t *testing.T) {
	cfg := &Config{
		Gateway: Gateway{Bind: LoopbackBind, Port: 18800, Auth: Auth{Token: "t"}},
		Channels: Channels{Telegram: &Channel{Accounts: map[string]Account{
			"ghost": {BotToken: "111:zzz"},
		}}},
		Agents: Agents{List: []AgentEntry{{ID: "real"}}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("account key without a matching agent id must be rejected")
	}
}

func TestNonLoopbackBindRejected(t *testing.T) {
	cfg := &Config{
		Gateway: Gateway{Bind: "0.0.0.0", Port: 18800, Auth: Auth{Token: "t"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-loopback bind must be rejected")
	}
}

func TestMarshalRoundTripStable(t *testing.T) {
	m := testManifest()
	// Token with JSON specials must survive structural construction.
	m.Agents[0].Tokens[manifest.PlatformTelegram] = `111:quo"te\slash` + "\n"
	gen := NewGenerator(nil)
	cfg, err := gen.Generate(m, m.Group("g1"), ModeSession, nil, "fixed-token")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.Channels.Telegram.Accounts["alpha"].BotToken != m.Agents[0].Tokens[manifest.PlatformTelegram] {
		t.Error("special characters mangled in round trip")
	}
	again, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("re-Marshal failed: %v", err)
	}
	if string(data) != string(again) {
		t.Error("marshal output is not stable across a round trip")
	}
}

func TestPriorTokenReused(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	first, err := gen.Generate(m, m.Group("g1"), ModeSession, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := gen.Write(first, path, false); err != nil {
		t.Fatal(err)
	}

	prior := PriorAuthToken(path)
	if prior != first.Gateway.Auth.Token {
		t.Fatalf("PriorAuthToken = %q", prior)
	}
	second, err := gen.Generate(m, m.Group("g1"), ModeSession, nil, prior)
	if err != nil {
		t.Fatal(err)
	}
	if second.Gateway.Auth.Token != first.Gateway.Auth.Token {
		t.Error("auth token regenerated despite prior token")
	}
}

func TestSafeModeConfig(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(func(id string) string { return "/ws/" + id })
	rec := &Recovery{
		Platform: manifest.PlatformTelegram,
		AgentID:  "alpha",
		Token:    "111:alpha-token-aa",
		Provider: &credentials.ProviderContext{
			Provider: credentials.ProviderAnthropic,
			Key:      "sk-ant-working",
			Model:    "anthropic/claude-sonnet-4",
		},
	}
	cfg, err := gen.Generate(m, m.Group("g1"), ModeSafeMode, rec, "keep-token")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].ID != SafeModeAgentID {
		t.Errorf("safe mode agents = %v", cfg.Agents.List)
	}
	if cfg.Gateway.Auth.Token != "keep-token" {
		t.Error("prior auth token not reused")
	}
	if cfg.Channels.Telegram.Accounts[SafeModeAgentID].BotToken != rec.Token {
		t.Error("recovery token not wired to the safe-mode account")
	}
	if cfg.Env["ANTHROPIC_API_KEY"] != "sk-ant-working" {
		t.Errorf("env = %v", cfg.Env)
	}
	if _, err := cfg.Marshal(); err != nil {
		t.Errorf("safe-mode config does not validate: %v", err)
	}
}

func TestSafeModeRequiresRecoveryContext(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	if _, err := gen.Generate(m, m.Group("g1"), ModeSafeMode, nil, ""); err == nil {
		t.Fatal("safe mode without a recovery context must fail")
	}
}

func TestEmergencyConfigPinsFirstAgent(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	cfg, err := gen.Generate(m, m.Group("g1"), ModeEmergency, nil, "")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].ID != "alpha" {
		t.Errorf("emergency agents = %v", cfg.Agents.List)
	}
	if cfg.Channels.Telegram.Accounts["alpha"].BotToken != "111:alpha-token-aa" {
		t.Error("emergency config must pin the first agent's exact token")
	}
}

func TestWritePreservesPreRecovery(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	first, _ := gen.Generate(m, m.Group("g1"), ModeSession, nil, "tok")
	if err := gen.Write(first, path, false); err != nil {
		t.Fatal(err)
	}
	original, _ := os.ReadFile(path)

	second, _ := gen.Generate(m, m.Group("g1"), ModeEmergency, nil, "tok")
	if err := gen.Write(second, path, true); err != nil {
		t.Fatal(err)
	}

	preserved, err := os.ReadFile(path + PreRecoverySuffix)
	if err != nil {
		t.Fatalf("pre-recovery snapshot missing: %v", err)
	}
	if string(preserved) != string(original) {
		t.Error("pre-recovery snapshot does not match the replaced config")
	}
}

// Provider keys reach the generator already decoded into runtime values.
// The generator must emit them byte for byte, even when a runtime key
// happens to look like base64 itself.
func TestEnvEmitsRuntimeKeysVerbatim(t *testing.T) {
	m := testManifest()
	base64ish := base64.StdEncoding.EncodeToString([]byte("sk-live-key"))
	m.Agents[0].ProviderKeys["anthropic"] = base64ish
	gen := NewGenerator(nil)
	cfg, err := gen.Generate(m, m.Group("g1"), ModeSession, nil, "tok")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if cfg.Env["ANTHROPIC_API_KEY"] != base64ish {
		t.Errorf("env key rewritten: got %q, want %q", cfg.Env["ANTHROPIC_API_KEY"], base64ish)
	}
}

func TestGeneratedJSONShape(t *testing.T) {
	m := testManifest()
	gen := NewGenerator(nil)
	cfg, _ := gen.Generate(m, m.Group("g1"), ModeSession, nil, "tok")
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{`"gateway"`, `"channels"`, `"agents"`, `"accounts"`, `"bot_token"`, `"list"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("output missing %s:\n%s", key, data)
		}
	}
}
