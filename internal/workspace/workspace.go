// Package workspace creates the per-agent on-disk workspaces: identity,
// persona, boot docs, and an auth-profile subtree. Directories are created
// with their final ownership (the process runs as the host user); there is
// no deferred recursive ownership fix.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/manifest"
)

// File names emitted inside a workspace.
const (
	IdentityFile    = "IDENTITY.md"
	PersonaFile     = "PERSONA.md"
	BootFile        = "BOOT.md"
	BootstrapFile   = "BOOTSTRAP.md"
	UserContextFile = "USER_CONTEXT.md"
	AuthProfilesDir = "auth-profiles"
)

// safeModeIdentity is the canned identity for the recovery agent.
const safeModeIdentity = `# SafeModeBot

You are SafeModeBot, a minimal diagnostic agent. The habitat entered a
degraded state because a health check failed. Your job is to keep a single
line of communication open with the owner while recovery is in progress.

Answer questions about the habitat's state briefly and honestly. Do not
claim capabilities the degraded configuration does not have.
`

// Generator writes agent workspaces under a directory-mapping function.
type Generator struct {
	workspaceDir func(agentID string) string
}

// NewGenerator creates a workspace generator.
func NewGenerator(workspaceDir func(agentID string) string) *Generator {
	return &Generator{workspaceDir: workspaceDir}
}

// Generate creates every agent workspace plus the safe-mode workspace.
func (g *Generator) Generate(m *manifest.Manifest) error {
	for _, a := range m.Agents {
		if err := g.generateAgent(a); err != nil {
			return fmt.Errorf("failed to generate workspace for %s: %w", a.ID, err)
		}
	}
	return g.GenerateSafeMode()
}

// generateAgent writes one agent's workspace. Empty blobs are skipped;
// present blobs are written verbatim.
func (g *Generator) generateAgent(a manifest.Agent) error {
	dir := g.workspaceDir(a.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, AuthProfilesDir, a.ID), 0o700); err != nil {
		return err
	}

	files := map[string]string{
		IdentityFile:    a.Identity,
		PersonaFile:     a.Persona,
		BootFile:        a.Boot,
		BootstrapFile:   a.Bootstrap,
		UserContextFile: a.UserContext,
	}
	for name, content := range files {
		if content == "" {
			continue
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// GenerateSafeMode creates the recovery agent's workspace with the canned
// identity explaining that recovery is in progress. Always created so the
// safe-mode flow never has to mint directories mid-incident.
func (g *Generator) GenerateSafeMode() error {
	dir := g.workspaceDir(gatewayconfig.SafeModeAgentID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create safe-mode workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, AuthProfilesDir, gatewayconfig.SafeModeAgentID), 0o700); err != nil {
		return err
	}
	path := filepath.Join(dir, IdentityFile)
	if err := os.WriteFile(path, []byte(safeModeIdentity), 0o600); err != nil {
		return fmt.Errorf("failed to write safe-mode identity: %w", err)
	}
	return nil
}
