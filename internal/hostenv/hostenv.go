// Package hostenv resolves the on-host directory layout and tuning knobs
// shared by every habitat subcommand. Values come from the environment
// (optionally /etc/habitat/habitat.yaml) via viper.
package hostenv

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Well-known filenames under the state directory.
const (
	MarkersDirName = "markers"
	LogsDirName    = "logs"
	StageFileName  = "stage"
	StageLogName   = "stages.jsonl"
	EnvFileName    = "habitat.env"
	ManifestName   = "habitat.json"
	AgentLibName   = "agents.json"
	PlanFileName   = "services.yaml"
)

// GatewayBasePort is the first port assigned to an isolation group.
// Groups are numbered by sorted name; group N listens on GatewayBasePort+N.
const GatewayBasePort = 18800

// DefaultControlPlanePort is the control-plane listen port.
const DefaultControlPlanePort = 8080

// Settings holds the resolved host environment.
type Settings struct {
	StateDir string // marker files, logs, stage beacons
	HomeDir  string // host user home: workspaces + gateway config subtree
	UnitDir  string // where synthesized systemd units are written

	ControlPlanePort int

	SettleSecs          int // pre-poll settle before the HTTP probe
	WarnSecs            int // "still waiting" notification threshold
	HardMaxSecs         int // HTTP probe hard deadline
	NoProcessSecs       int // fail if the gateway process never appears
	MaxRecoveryAttempts int

	StartServices bool // allow the synthesizer to start units post-boot
	DryRun        bool // render artifacts without touching systemd
	TestMode      bool // shrink probe timings for integration tests
}

// Load resolves settings from the environment and the optional config file.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetConfigName("habitat")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/habitat")
	_ = v.ReadInConfig() // optional

	v.SetDefault("state_dir", "/var/lib/habitat")
	v.SetDefault("unit_dir", "/etc/systemd/system")
	v.SetDefault("control_plane_port", DefaultControlPlanePort)
	v.SetDefault("settle_secs", 10)
	v.SetDefault("warn_secs", 120)
	v.SetDefault("hard_max_secs", 300)
	v.SetDefault("no_process_secs", 60)
	v.SetDefault("max_recovery_attempts", 2)

	// The tuning variables keep their historical, unprefixed names.
	_ = v.BindEnv("settle_secs", "HEALTH_CHECK_SETTLE_SECS")
	_ = v.BindEnv("warn_secs", "HEALTH_CHECK_WARN_SECS")
	_ = v.BindEnv("hard_max_secs", "HEALTH_CHECK_HARD_MAX_SECS")
	_ = v.BindEnv("no_process_secs", "HEALTH_CHECK_NO_PROCESS_SECS")
	_ = v.BindEnv("max_recovery_attempts", "MAX_RECOVERY_ATTEMPTS")
	_ = v.BindEnv("start_services", "START_SERVICES")
	_ = v.BindEnv("dry_run", "DRY_RUN")
	_ = v.BindEnv("test_mode", "TEST_MODE")
	_ = v.BindEnv("state_dir", "HABITAT_STATE_DIR")
	_ = v.BindEnv("home_dir", "HABITAT_HOME_DIR")
	_ = v.BindEnv("unit_dir", "HABITAT_UNIT_DIR")
	_ = v.BindEnv("control_plane_port", "HABITAT_API_PORT")

	home := v.GetString("home_dir")
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
	}

	s := &Settings{
		StateDir:            v.GetString("state_dir"),
		HomeDir:             home,
		UnitDir:             v.GetString("unit_dir"),
		ControlPlanePort:    v.GetInt("control_plane_port"),
		SettleSecs:          v.GetInt("settle_secs"),
		WarnSecs:            v.GetInt("warn_secs"),
		HardMaxSecs:         v.GetInt("hard_max_secs"),
		NoProcessSecs:       v.GetInt("no_process_secs"),
		MaxRecoveryAttempts: v.GetInt("max_recovery_attempts"),
		StartServices:       v.GetBool("start_services"),
		DryRun:              v.GetBool("dry_run"),
		TestMode:            v.GetBool("test_mode"),
	}

	if s.TestMode {
		s.SettleSecs = 0
		s.WarnSecs = 2
		s.HardMaxSecs = 5
		s.NoProcessSecs = 2
	}

	return s, nil
}

// MarkersDir returns the marker directory under the state dir.
func (s *Settings) MarkersDir() string {
	return filepath.Join(s.StateDir, MarkersDirName)
}

// LogsDir returns the log directory under the state dir.
func (s *Settings) LogsDir() string {
	return filepath.Join(s.StateDir, LogsDirName)
}

// StageFile returns the public stage beacon path.
func (s *Settings) StageFile() string {
	return filepath.Join(s.StateDir, StageFileName)
}

// StageLog returns the append-only stage log path.
func (s *Settings) StageLog() string {
	return filepath.Join(s.StateDir, StageLogName)
}

// ManifestPath returns the on-disk manifest location.
func (s *Settings) ManifestPath() string {
	return filepath.Join(s.StateDir, ManifestName)
}

// AgentLibPath returns the on-disk agent library location.
func (s *Settings) AgentLibPath() string {
	return filepath.Join(s.StateDir, AgentLibName)
}

// EnvFile returns the projected env record path.
func (s *Settings) EnvFile() string {
	return filepath.Join(s.StateDir, EnvFileName)
}

// PlanFile returns the service enablement plan path.
func (s *Settings) PlanFile() string {
	return filepath.Join(s.StateDir, PlanFileName)
}

// GatewayConfigDir returns the gateway config subtree for an isolation group.
func (s *Settings) GatewayConfigDir(group string) string {
	return filepath.Join(s.HomeDir, ".habitat", "gateway", group)
}

// GatewayConfigPath returns the gateway config file for an isolation group.
func (s *Settings) GatewayConfigPath(group string) string {
	return filepath.Join(s.GatewayConfigDir(group), "config.json")
}

// WorkspaceDir returns the workspace directory for an agent.
func (s *Settings) WorkspaceDir(agentID string) string {
	return filepath.Join(s.HomeDir, "workspaces", agentID)
}

// SharedDir returns the directory replicated across isolation boundaries.
func (s *Settings) SharedDir() string {
	return filepath.Join(s.HomeDir, "workspaces", "shared")
}

// SettleDuration converts SettleSecs for callers that sleep.
func (s *Settings) SettleDuration() time.Duration {
	return time.Duration(s.SettleSecs) * time.Second
}
