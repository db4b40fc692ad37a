// Package orchestrator drives provisioning: a fixed sequence of stages from
// manifest decode to service installation, each published as a numbered
// beacon so the external provisioner can watch progress. Stages are
// idempotent; a re-run skips completed stages. The orchestrator never starts
// gateway services itself: the post-provisioning reboot does.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/andywolf/habitat/internal/atomicfile"
	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/hostenv"
	"github.com/andywolf/habitat/internal/logging"
	"github.com/andywolf/habitat/internal/manifest"
	"github.com/andywolf/habitat/internal/markers"
	"github.com/andywolf/habitat/internal/services"
	"github.com/andywolf/habitat/internal/workspace"
)

// Notifier is the owner-alert surface, built once the manifest is decoded.
type Notifier interface {
	Send(ctx context.Context, kind, text string) error
}

// NotifierFactory builds a Notifier for a decoded manifest.
type NotifierFactory func(m *manifest.Manifest) Notifier

// Orchestrator runs the provisioning sequence.
type Orchestrator struct {
	settings    *hostenv.Settings
	markers     *markers.Store
	logger      *logging.Logger
	resolver    manifest.SecretResolver
	notifierFor NotifierFactory
	runner      services.CommandRunner
}

// New creates an Orchestrator. resolver may be nil (secret references are
// then left unresolved with a warning); a nil runner uses the real systemctl.
func New(settings *hostenv.Settings, mk *markers.Store, logger *logging.Logger,
	resolver manifest.SecretResolver, notifierFor NotifierFactory, runner services.CommandRunner) *Orchestrator {
	if runner == nil {
		runner = services.ExecRunner
	}
	return &Orchestrator{
		settings:    settings,
		markers:     mk,
		logger:      logger,
		resolver:    resolver,
		notifierFor: notifierFor,
		runner:      runner,
	}
}

// stage is one step of the sequence. Completed stages are recorded in a
// marker and skipped on re-run.
type stage struct {
	name string
	run  func(ctx context.Context) error
}

// beacon is one line of the append-only stage log.
type beacon struct {
	Stage     int    `json:"stage"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Run executes provisioning from the raw base64 inputs. On success the host
// is rebooted (suppressed by DRY_RUN, TEST_MODE, or START_SERVICES, where
// services were already started in place). On failure the build_failed
// marker is written and a best-effort alert is sent.
func (o *Orchestrator) Run(ctx context.Context, habitatB64, agentLibB64 string) error {
	var m *manifest.Manifest

	stages := []stage{
		{"decode_manifest", func(ctx context.Context) error {
			var warnings []string
			var err error
			m, warnings, err = manifest.Decode(habitatB64)
			if err != nil {
				return err
			}
			for _, w := range warnings {
				o.logger.Warningf("manifest: %s", w)
			}
			if agentLibB64 != "" {
				if err := applyAgentLibrary(m, agentLibB64); err != nil {
					return err
				}
			}
			return nil
		}},
		{"resolve_secrets", func(ctx context.Context) error {
			warnings, err := m.ResolveSecrets(ctx, o.resolver)
			for _, w := range warnings {
				o.logger.Warningf("secrets: %s", w)
			}
			return err
		}},
		{"persist_inputs", func(ctx context.Context) error {
			return o.persistInputs(m, habitatB64, agentLibB64)
		}},
		{"project_env", func(ctx context.Context) error {
			return m.WriteEnvFile(o.settings.EnvFile())
		}},
		{"generate_workspaces", func(ctx context.Context) error {
			gen := workspace.NewGenerator(o.settings.WorkspaceDir)
			return gen.Generate(m)
		}},
		{"generate_configs", func(ctx context.Context) error {
			return o.generateConfigs(m)
		}},
		{"install_services", func(ctx context.Context) error {
			synth := services.NewSynthesizer(o.settings, o.runner)
			units := synth.Synthesize(m)
			_, err := synth.Install(m, units)
			return err
		}},
	}

	for i, st := range stages {
		num := i + 1
		doneMarker := "stage_complete-" + st.name
		if o.markers.Present(doneMarker) {
			o.logger.Infof("stage %d/%d %s already complete, skipping", num, len(stages), st.name)
			// Decode stages still must run: later stages need the manifest
			// in memory even when their own work is already on disk.
			if st.name != "decode_manifest" && st.name != "resolve_secrets" {
				continue
			}
		}

		o.publishBeacon(num, st.name, "running", nil)
		if err := st.run(ctx); err != nil {
			o.publishBeacon(num, st.name, "failed", err)
			return o.failBuild(ctx, m, st.name, err)
		}
		o.publishBeacon(num, st.name, "complete", nil)
		if err := o.markers.Set(doneMarker); err != nil {
			o.logger.Warningf("failed to record stage marker: %v", err)
		}
	}

	if err := o.markers.Set(markers.PhaseComplete); err != nil {
		o.logger.Warningf("failed to set phase marker: %v", err)
	}
	if err := o.markers.Set(markers.BootComplete); err != nil {
		o.logger.Warningf("failed to set boot marker: %v", err)
	}
	o.logger.Infof("provisioning complete for %s (%d agents, %d groups)", m.Name, len(m.Agents), len(m.Groups()))

	return o.finish(ctx)
}

// finish reboots into the enabled services unless the run was a dry run, a
// test, or an in-place reconfiguration that already started them.
func (o *Orchestrator) finish(ctx context.Context) error {
	if o.settings.DryRun || o.settings.TestMode || o.settings.StartServices {
		o.logger.Infof("skipping reboot (dry-run, test, or in-place start)")
		return nil
	}
	o.logger.Infof("rebooting into the provisioned services")
	if err := o.runner("systemctl", "reboot"); err != nil {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	return nil
}

// failBuild records the failure, alerts the owner if a manifest decoded, and
// returns the terminal error.
func (o *Orchestrator) failBuild(ctx context.Context, m *manifest.Manifest, stageName string, cause error) error {
	o.logger.Criticalf("provisioning failed at stage %s: %v", stageName, cause)
	if err := o.markers.SetContent(markers.BuildFailed, fmt.Sprintf("%s: %v", stageName, cause)); err != nil {
		o.logger.Errorf("failed to set build-failed marker: %v", err)
	}
	if m != nil && o.notifierFor != nil {
		text := fmt.Sprintf("Habitat %s: provisioning failed at stage %s: %v", m.Name, stageName, cause)
		if err := o.notifierFor(m).Send(ctx, "build_failed", text); err != nil {
			o.logger.Warningf("build-failure alert undeliverable: %v", err)
		}
	}
	return fmt.Errorf("provisioning failed at stage %s: %w", stageName, cause)
}

// persistInputs stores the decoded manifest and the raw agent library in the
// state directory for later subcommands (probe, recover, serve).
func (o *Orchestrator) persistInputs(m *manifest.Manifest, habitatB64, agentLibB64 string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := atomicfile.WriteFile(o.settings.ManifestPath(), append(data, '\n'), 0o600); err != nil {
		return err
	}
	if agentLibB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(agentLibB64)
		if err != nil {
			return fmt.Errorf("agent library is not valid base64: %w", err)
		}
		if err := atomicfile.WriteFile(o.settings.AgentLibPath(), raw, 0o600); err != nil {
			return err
		}
	}
	return nil
}

// generateConfigs writes one gateway config per isolation group. Single-group
// habitats get a full config; multi-group habitats get per-group session
// configs so each gateway only sees its own agents.
func (o *Orchestrator) generateConfigs(m *manifest.Manifest) error {
	gen := gatewayconfig.NewGenerator(o.settings.WorkspaceDir)
	groups := m.Groups()
	mode := gatewayconfig.ModeSession
	if len(groups) == 1 {
		mode = gatewayconfig.ModeFull
	}
	for i := range groups {
		g := &groups[i]
		path := o.settings.GatewayConfigPath(g.Name)
		if err := os.MkdirAll(o.settings.GatewayConfigDir(g.Name), 0o700); err != nil {
			return fmt.Errorf("failed to create config dir for group %s: %w", g.Name, err)
		}
		cfg, err := gen.Generate(m, g, mode, nil, gatewayconfig.PriorAuthToken(path))
		if err != nil {
			return fmt.Errorf("failed to build config for group %s: %w", g.Name, err)
		}
		if err := gen.Write(cfg, path, false); err != nil {
			return err
		}
	}
	return nil
}

// publishBeacon updates the public stage file and appends to the stage log.
// Beacon failures are logged, never fatal: progress reporting must not be
// able to fail the build.
func (o *Orchestrator) publishBeacon(num int, name, status string, cause error) {
	b := beacon{
		Stage:     num,
		Name:      name,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if cause != nil {
		b.Error = cause.Error()
	}

	line := fmt.Sprintf("%d:%s:%s\n", num, name, status)
	if err := atomicfile.WriteFile(o.settings.StageFile(), []byte(line), 0o644); err != nil {
		o.logger.Warningf("failed to write stage beacon: %v", err)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	f, err := os.OpenFile(o.settings.StageLog(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		o.logger.Warningf("failed to open stage log: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		o.logger.Warningf("failed to append stage log: %v", err)
	}
}

// libraryEntry is one agent template from the agent library input.
type libraryEntry struct {
	Identity    string `json:"identity,omitempty"`
	Persona     string `json:"persona,omitempty"`
	Boot        string `json:"boot,omitempty"`
	Bootstrap   string `json:"bootstrap,omitempty"`
	UserContext string `json:"user_context,omitempty"`
}

// applyAgentLibrary fills agent document blobs from the library keyed by
// agent id. Manifest-provided blobs win over library defaults.
func applyAgentLibrary(m *manifest.Manifest, b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("agent library is not valid base64: %w", err)
	}
	var lib map[string]libraryEntry
	if err := json.Unmarshal(raw, &lib); err != nil {
		return fmt.Errorf("agent library is not valid JSON: %w", err)
	}
	for i := range m.Agents {
		a := &m.Agents[i]
		entry, ok := lib[a.ID]
		if !ok {
			continue
		}
		if a.Identity == "" {
			a.Identity = entry.Identity
		}
		if a.Persona == "" {
			a.Persona = entry.Persona
		}
		if a.Boot == "" {
			a.Boot = entry.Boot
		}
		if a.Bootstrap == "" {
			a.Bootstrap = entry.Bootstrap
		}
		if a.UserContext == "" {
			a.UserContext = entry.UserContext
		}
	}
	return nil
}
