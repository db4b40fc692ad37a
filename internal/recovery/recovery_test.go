package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andywolf/habitat/internal/credentials"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/services"
)

type recordingNotifier struct {
	kinds []string
	texts []string
}

func (n *recordingNotifier) Send(ctx context.Context, kind, text string) error {
	n.kinds = append(n.kinds, kind)
	n.texts = append(n.texts, text)
	return nil
}

type recordingProber struct {
	groups  []string
	prompts []string
	err     error
}

func (p *recordingProber) RunSafeMode(ctx context.Context, group, prompt string) error {
	p.groups = append(p.groups, group)
	p.prompts = append(p.prompts, prompt)
	return p.err
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Name:     "x",
		Platform: manifest.PlatformTelegram,
		Agents: []manifest.Agent{
			{ID: "alpha", IsolationGroup: "g1",
				Model:        "anthropic/claude-sonnet-4",
				Tokens:       map[string]string{manifest.PlatformTelegram: "111:alpha-token-aaa"},
				ProviderKeys: map[string]string{"anthropic": "sk-ant-alpha"}},
		},
	}
}

type fixture struct {
	h         *Handler
	mk        *markers.Store
	settings  *hostenv.Settings
	validator *credentials.Validator
	notifier  *recordingNotifier
	prober    *recordingProber
	restarts  *[]string
}

// newFixture builds a handler against httptest credential endpoints.
// tokensOK/providersOK control whether discovery succeeds.
func newFixture(t *testing.T, tokensOK, providersOK bool) *fixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/getMe") {
			if tokensOK {
				w.Write([]byte(`{"ok":true}`))
			} else {
				w.WriteHeader(401)
				w.Write([]byte(`{"ok":false}`))
			}
			return
		}
		if providersOK {
			w.WriteHeader(200)
		} else {
			w.WriteHeader(401)
		}
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	settings := &hostenv.Settings{
		StateDir:            filepath.Join(dir, "state"),
		HomeDir:             filepath.Join(dir, "home"),
		MaxRecoveryAttempts: 2,
	}
	mk, err := markers.NewStore(settings.MarkersDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := logging.New("recovery-test", "", logging.WithWriter(&bytes.Buffer{}))
	v := credentials.NewValidator(
		credentials.WithTelegramBaseURL(srv.URL),
		credentials.WithAnthropicBaseURL(srv.URL),
		credentials.WithOpenAIBaseURL(srv.URL),
		credentials.WithGoogleBaseURL(srv.URL),
	)
	notifier := &recordingNotifier{}
	prober := &recordingProber{}
	restarts := &[]string{}
	runner := func(name string, args ...string) error {
		*restarts = append(*restarts, name+" "+strings.Join(args, " "))
		return nil
	}

	h := New(testManifest(), settings, mk, logger, v, notifier,
		gatewayconfig.NewGenerator(settings.WorkspaceDir), prober, runner,
		WithDebounce(50*time.Millisecond))
	return &fixture{h: h, mk: mk, settings: settings, validator: v, notifier: notifier, prober: prober, restarts: restarts}
}

func TestRunNoopWithoutUnhealthyMarker(t *testing.T) {
	f := newFixture(t, true, true)
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(*f.restarts) != 0 {
		t.Error("gateway restarted without an unhealthy marker")
	}
	if f.mk.Counter(markers.RecoveryAttempts("g1")) != 0 {
		t.Error("attempt consumed without an unhealthy marker")
	}
}

func TestRunSafeModeAttempt(t *testing.T) {
	f := newFixture(t, true, true)
	f.mk.Set(markers.Unhealthy("g1"))

	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := f.mk.Counter(markers.RecoveryAttempts("g1")); got != 1 {
		t.Errorf("attempts = %d", got)
	}
	if !f.mk.Present(markers.SafeMode("g1")) {
		t.Error("safe-mode marker not set")
	}
	if !f.mk.Present(markers.RecentlyRecovered("g1")) {
		t.Error("debounce marker not set")
	}
	if f.mk.Present(markers.Unhealthy("g1")) {
		t.Error("trigger marker not consumed")
	}
	if len(*f.restarts) != 1 || !strings.Contains((*f.restarts)[0], services.GatewayUnit("g1")) {
		t.Errorf("restarts = %v", *f.restarts)
	}

	data, err := os.ReadFile(f.settings.GatewayConfigPath("g1"))
	if err != nil {
		t.Fatalf("degraded config not written: %v", err)
	}
	cfg, err := gatewayconfig.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].ID != gatewayconfig.SafeModeAgentID {
		t.Errorf("config agents = %v", cfg.Agents.List)
	}

	if len(f.notifier.kinds) != 1 || f.notifier.kinds[0] != "recovery-g1" {
		t.Errorf("notifications = %v", f.notifier.kinds)
	}
	if len(f.prober.groups) != 1 || f.prober.groups[0] != "g1" {
		t.Errorf("safe-mode probes = %v", f.prober.groups)
	}
	if !strings.Contains(f.prober.prompts[0], "attempt 1 of 2") {
		t.Errorf("diagnostic prompt = %q", f.prober.prompts[0])
	}
}

func TestRunPreservesPriorConfig(t *testing.T) {
	f := newFixture(t, true, true)
	path := f.settings.GatewayConfigPath("g1")

	gen := gatewayconfig.NewGenerator(nil)
	m := testManifest()
	orig, err := gen.Generate(m, m.Group("g1"), gatewayconfig.ModeSession, nil, "keep-this-token")
	if err != nil {
		t.Fatal(err)
	}
	if err := gen.Write(orig, path, false); err != nil {
		t.Fatal(err)
	}

	f.mk.Set(markers.Unhealthy("g1"))
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + gatewayconfig.PreRecoverySuffix); err != nil {
		t.Error("pre-recovery snapshot missing")
	}
	data, _ := os.ReadFile(path)
	cfg, _ := gatewayconfig.Parse(data)
	if cfg.Gateway.Auth.Token != "keep-this-token" {
		t.Error("gateway auth token regenerated during recovery")
	}
}

func TestRunDebounce(t *testing.T) {
	f := newFixture(t, true, true)
	f.mk.Set(markers.Unhealthy("g1"))
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	// Re-trigger immediately: debounced, no second attempt.
	f.mk.Set(markers.Unhealthy("g1"))
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}
	if got := f.mk.Counter(markers.RecoveryAttempts("g1")); got != 1 {
		t.Errorf("attempts = %d, debounce failed", got)
	}
	if len(*f.restarts) != 1 {
		t.Errorf("restarts = %v", *f.restarts)
	}
	// The debounced run still consumes the trigger, or the path unit
	// would re-fire the handler for the rest of the window.
	if f.mk.Present(markers.Unhealthy("g1")) {
		t.Error("debounced run left the trigger marker in place")
	}
}

// The raw alert is keyed per group so repeated attempts within one boot
// dedupe at the notification layer instead of paging the owner again.
func TestRawAlertKindStablePerGroup(t *testing.T) {
	f := newFixture(t, true, true)
	f.mk.Set(markers.Unhealthy("g1"))
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	time.Sleep(60 * time.Millisecond) // outside the test debounce window
	f.mk.Set(markers.Unhealthy("g1"))
	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatal(err)
	}

	if got := f.mk.Counter(markers.RecoveryAttempts("g1")); got != 2 {
		t.Fatalf("attempts = %d", got)
	}
	if len(f.notifier.kinds) != 2 {
		t.Fatalf("notifications = %v", f.notifier.kinds)
	}
	for _, kind := range f.notifier.kinds {
		if kind != "recovery-g1" {
			t.Errorf("alert kind = %q, want recovery-g1", kind)
		}
	}
}

func TestRunEmergencyFallback(t *testing.T) {
	f := newFixture(t, false, false)
	f.mk.Set(markers.Unhealthy("g1"))

	if err := f.h.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(f.settings.GatewayConfigPath("g1"))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := gatewayconfig.Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	// Emergency pins the group's first agent exactly as configured.
	if len(cfg.Agents.List) != 1 || cfg.Agents.List[0].ID != "alpha" {
		t.Errorf("emergency agents = %v", cfg.Agents.List)
	}
	if cfg.Channels.Telegram.Accounts["alpha"].BotToken != "111:alpha-token-aaa" {
		t.Error("emergency token not pinned")
	}
	// No working provider means no safe-mode probe.
	if len(f.prober.groups) != 0 {
		t.Errorf("safe-mode probes = %v", f.prober.groups)
	}
	if len(f.notifier.texts) != 1 || !strings.Contains(f.notifier.texts[0], "emergency") {
		t.Errorf("notifications = %v", f.notifier.texts)
	}
}

func TestRunExhaustion(t *testing.T) {
	f := newFixture(t, true, true)
	f.mk.Set(markers.Unhealthy("g1"))
	f.mk.SetContent(markers.RecoveryAttempts("g1"), "2") // budget already spent

	err := f.h.Run(context.Background(), "g1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if len(*f.restarts) != 0 {
		t.Error("gateway restarted after exhaustion")
	}
	if len(f.notifier.kinds) != 1 || f.notifier.kinds[0] != "recovery_exhausted-g1" {
		t.Errorf("notifications = %v", f.notifier.kinds)
	}
	// The trigger must be consumed or the path unit would re-run the
	// handler until the unit's start limit tripped; operator state moves
	// to the exhausted marker.
	if f.mk.Present(markers.Unhealthy("g1")) {
		t.Error("unhealthy marker left in place after exhaustion")
	}
	if !f.mk.Present(markers.Exhausted("g1")) {
		t.Error("exhausted marker not recorded for operators")
	}
}

func TestAttemptConsumedBeforeRestart(t *testing.T) {
	f := newFixture(t, true, true)
	f.mk.Set(markers.Unhealthy("g1"))

	failing := New(testManifest(), f.settings, f.mk,
		logging.New("recovery-test", "", logging.WithWriter(&bytes.Buffer{})),
		f.validator, f.notifier,
		gatewayconfig.NewGenerator(nil), f.prober,
		func(name string, args ...string) error { return fmt.Errorf("systemctl unavailable") },
		WithDebounce(time.Millisecond))

	if err := failing.Run(context.Background(), "g1"); err == nil {
		t.Fatal("expected restart failure")
	}
	if got := f.mk.Counter(markers.RecoveryAttempts("g1")); got != 1 {
		t.Errorf("attempts = %d, must be bumped before the restart", got)
	}
}

func TestRunUnknownGroup(t *testing.T) {
	f := newFixture(t, true, true)
	if err := f.h.Run(context.Background(), "ghost"); err == nil {
		t.Fatal("unknown group must be rejected")
	}
}
