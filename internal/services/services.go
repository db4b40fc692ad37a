// Package services synthesizes the per-isolation-group systemd units and
// the enablement plan. Units are enabled during provisioning but never
// started until the post-provisioning reboot, eliminating races between
// config generation and service startup; START_SERVICES=true overrides
// this for post-boot config uploads.
package services

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andywolf/habitat/internal/atomicfile"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/manifest"
)

// GatewayBinary is the external gateway executable launched per group.
const GatewayBinary = "/usr/local/bin/habitat-gateway"

// HabitatBinary is this CLI, invoked by units for probes and recovery.
const HabitatBinary = "/usr/local/bin/habitat"

// Unit is one synthesized systemd unit file.
type Unit struct {
	Name    string `yaml:"name"`
	Enable  bool   `yaml:"enable"`
	Content string `yaml:"-"`
}

// Plan records what was synthesized and whether units were started.
type Plan struct {
	Units   []Unit   `yaml:"units"`
	Groups  []string `yaml:"groups"`
	Started bool     `yaml:"started"`
}

// Synthesizer renders and installs units.
type Synthesizer struct {
	settings *hostenv.Settings
	runner   CommandRunner
}

// CommandRunner abstracts systemctl invocation for tests and DRY_RUN.
type CommandRunner func(name string, args ...string) error

// ExecRunner runs commands for real.
func ExecRunner(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NewSynthesizer creates a Synthesizer. A nil runner uses ExecRunner.
func NewSynthesizer(settings *hostenv.Settings, runner CommandRunner) *Synthesizer {
	if runner == nil {
		runner = ExecRunner
	}
	return &Synthesizer{settings: settings, runner: runner}
}

// GatewayUnit returns the gateway unit name for a group.
func GatewayUnit(group string) string { return "habitat-gateway-" + group + ".service" }

// ProbeUnit returns the end-to-end probe unit name for a group.
func ProbeUnit(group string) string { return "habitat-probe-" + group + ".service" }

// RecoveryService returns the recovery handler unit name for a group.
func RecoveryService(group string) string { return "habitat-recovery-" + group + ".service" }

// RecoveryPath returns the marker-watching path unit name for a group.
func RecoveryPath(group string) string { return "habitat-recovery-" + group + ".path" }

// Synthesize renders all units for the manifest's groups: per group a
// gateway service, a probe oneshot bound to it, and a recovery path/service
// pair triggered by the unhealthy marker; plus the restore oneshot, the
// control-plane daemon, and the optional self-destruct timer.
func (s *Synthesizer) Synthesize(m *manifest.Manifest) []Unit {
	groups := m.Groups()
	units := []Unit{
		{Name: "habitat-restore.service", Enable: true, Content: s.restoreUnit()},
		{Name: "habitat-api.service", Enable: true, Content: s.apiUnit()},
	}
	for _, g := range groups {
		units = append(units,
			Unit{Name: GatewayUnit(g.Name), Enable: true, Content: s.gatewayUnit(g)},
			Unit{Name: ProbeUnit(g.Name), Enable: true, Content: s.probeUnit(g)},
			Unit{Name: RecoveryPath(g.Name), Enable: true, Content: s.recoveryPathUnit(g)},
			Unit{Name: RecoveryService(g.Name), Enable: false, Content: s.recoveryServiceUnit(g)},
		)
	}
	if m.DestructMinutes > 0 {
		units = append(units,
			Unit{Name: "habitat-destruct.timer", Enable: true, Content: s.destructTimer(m.DestructMinutes)},
			Unit{Name: "habitat-destruct.service", Enable: false, Content: s.destructService()},
		)
	}
	return units
}

// Install writes units, enables them, writes the plan, and optionally
// starts them (START_SERVICES=true only). DRY_RUN writes files without
// touching systemctl.
func (s *Synthesizer) Install(m *manifest.Manifest, units []Unit) (*Plan, error) {
	for _, u := range units {
		path := filepath.Join(s.settings.UnitDir, u.Name)
		if err := atomicfile.WriteFile(path, []byte(u.Content), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write unit %s: %w", u.Name, err)
		}
	}

	start := s.settings.StartServices && !s.settings.DryRun
	if !s.settings.DryRun {
		if err := s.runner("systemctl", "daemon-reload"); err != nil {
			return nil, err
		}
		for _, u := range units {
			if !u.Enable {
				continue
			}
			if err := s.runner("systemctl", "enable", u.Name); err != nil {
				return nil, fmt.Errorf("failed to enable %s: %w", u.Name, err)
			}
		}
		if start {
			// Restore strictly precedes gateway start; honoured here by
			// starting in synthesis order.
			for _, u := range units {
				if !u.Enable || strings.HasSuffix(u.Name, ".path") {
					continue
				}
				if err := s.runner("systemctl", "restart", u.Name); err != nil {
					return nil, fmt.Errorf("failed to start %s: %w", u.Name, err)
				}
			}
		}
	}

	plan := &Plan{Units: units, Started: start}
	for _, g := range m.Groups() {
		plan.Groups = append(plan.Groups, g.Name)
	}
	data, err := yaml.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal enablement plan: %w", err)
	}
	if err := atomicfile.WriteFile(s.settings.PlanFile(), data, 0o644); err != nil {
		return nil, err
	}
	return plan, nil
}

// LoadPlan reads a previously written enablement plan.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse enablement plan: %w", err)
	}
	return &p, nil
}

func (s *Synthesizer) gatewayUnit(g manifest.IsolationGroup) string {
	return fmt.Sprintf(`[Unit]
Description=Habitat gateway (%[1]s)
After=network-online.target habitat-restore.service
Requires=habitat-restore.service
Wants=network-online.target

[Service]
Type=exec
ExecStart=%[2]s --config %[3]s
ExecStartPost=%[4]s healthcheck --group %[1]s
Restart=on-failure
RestartPreventExitStatus=2
RestartSec=5
TimeoutStartSec=180
EnvironmentFile=-%[5]s

[Install]
WantedBy=multi-user.target
`, g.Name, GatewayBinary, s.settings.GatewayConfigPath(g.Name), HabitatBinary, s.settings.EnvFile())
}

func (s *Synthesizer) probeUnit(g manifest.IsolationGroup) string {
	return fmt.Sprintf(`[Unit]
Description=Habitat end-to-end probe (%[1]s)
BindsTo=%[2]s
After=%[2]s

[Service]
Type=oneshot
ExecStart=%[3]s probe --group %[1]s
TimeoutStartSec=600
EnvironmentFile=-%[4]s

[Install]
WantedBy=%[2]s
`, g.Name, GatewayUnit(g.Name), HabitatBinary, s.settings.EnvFile())
}

// recoveryPathUnit triggers the recovery handler on the appearance of the
// unhealthy marker, not by a self-referential service restart. PathExists
// re-fires as long as the marker exists when the handler deactivates, so
// the handler consumes the marker on every outcome, including debounce
// and exhaustion.
func (s *Synthesizer) recoveryPathUnit(g manifest.IsolationGroup) string {
	marker := filepath.Join(s.settings.MarkersDir(), "unhealthy-"+g.Name)
	return fmt.Sprintf(`[Unit]
Description=Habitat recovery trigger (%[1]s)

[Path]
PathExists=%[2]s
Unit=%[3]s

[Install]
WantedBy=multi-user.target
`, g.Name, marker, RecoveryService(g.Name))
}

func (s *Synthesizer) recoveryServiceUnit(g manifest.IsolationGroup) string {
	return fmt.Sprintf(`[Unit]
Description=Habitat safe-mode handler (%[1]s)

[Service]
Type=oneshot
ExecStart=%[2]s recover --group %[1]s
TimeoutStartSec=600
EnvironmentFile=-%[3]s
`, g.Name, HabitatBinary, s.settings.EnvFile())
}

func (s *Synthesizer) restoreUnit() string {
	return fmt.Sprintf(`[Unit]
Description=Habitat workspace restore
After=network-online.target
Wants=network-online.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStart=%s sync --restore
EnvironmentFile=-%s

[Install]
WantedBy=multi-user.target
`, HabitatBinary, s.settings.EnvFile())
}

func (s *Synthesizer) apiUnit() string {
	return fmt.Sprintf(`[Unit]
Description=Habitat control plane
After=network-online.target
Wants=network-online.target

[Service]
Type=exec
ExecStart=%s serve
Restart=on-failure
RestartSec=5
EnvironmentFile=-%s

[Install]
WantedBy=multi-user.target
`, HabitatBinary, s.settings.EnvFile())
}

func (s *Synthesizer) destructTimer(minutes int) string {
	return fmt.Sprintf(`[Unit]
Description=Habitat self-destruct timer

[Timer]
OnBootSec=%dmin
Unit=habitat-destruct.service

[Install]
WantedBy=timers.target
`, minutes)
}

func (s *Synthesizer) destructService() string {
	return fmt.Sprintf(`[Unit]
Description=Habitat self-destruct

[Service]
Type=oneshot
ExecStart=%s sync --up
ExecStart=/usr/bin/systemctl poweroff
`, HabitatBinary)
}
