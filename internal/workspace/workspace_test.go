package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andywolf/habitat/internal/gatewayconfig"
	"github.com/andywolf/habitat/internal/manifest"
)

func TestGenerate(t *testing.T) {
	root := t.TempDir()
	gen := NewGenerator(func(id string) string { return filepath.Join(root, id) })

	m := &manifest.Manifest{
		Name: "x",
		Agents: []manifest.Agent{
			{ID: "alpha", Identity: "# Alpha\n", Persona: "friendly", UserContext: "owner ctx"},
			{ID: "beta"}, // no blobs at all
		},
	}
	if err := gen.Generate(m); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "alpha", IdentityFile))
	if err != nil || string(data) != "# Alpha\n" {
		t.Errorf("identity: %q %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(root, "alpha", PersonaFile)); err != nil {
		t.Error("persona not written")
	}
	// Empty blobs are skipped, not written as empty files.
	if _, err := os.Stat(filepath.Join(root, "alpha", BootFile)); !os.IsNotExist(err) {
		t.Error("empty boot blob should be skipped")
	}
	if _, err := os.Stat(filepath.Join(root, "beta", IdentityFile)); !os.IsNotExist(err) {
		t.Error("beta should have no identity file")
	}

	// Directory skeleton exists regardless of blobs.
	info, err := os.Stat(filepath.Join(root, "beta", AuthProfilesDir, "beta"))
	if err != nil || !info.IsDir() {
		t.Errorf("auth profile dir: %v", err)
	}

	// Workspace permissions are restrictive.
	info, _ = os.Stat(filepath.Join(root, "alpha"))
	if info.Mode().Perm() != 0o700 {
		t.Errorf("workspace dir mode = %o", info.Mode().Perm())
	}
	info, _ = os.Stat(filepath.Join(root, "alpha", IdentityFile))
	if info.Mode().Perm() != 0o600 {
		t.Errorf("identity mode = %o", info.Mode().Perm())
	}
}

func TestGenerateSafeMode(t *testing.T) {
	root := t.TempDir()
	gen := NewGenerator(func(id string) string { return filepath.Join(root, id) })

	if err := gen.GenerateSafeMode(); err != nil {
		t.Fatalf("GenerateSafeMode failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, gatewayconfig.SafeModeAgentID, IdentityFile))
	if err != nil {
		t.Fatalf("safe-mode identity missing: %v", err)
	}
	if !strings.Contains(string(data), "SafeModeBot") {
		t.Errorf("identity content:\n%s", data)
	}
	if !strings.Contains(string(data), "degraded") {
		t.Error("identity should explain the degraded state")
	}
}

func TestGenerateIncludesSafeModeWorkspace(t *testing.T) {
	root := t.TempDir()
	gen := NewGenerator(func(id string) string { return filepath.Join(root, id) })
	m := &manifest.Manifest{Name: "x", Agents: []manifest.Agent{{ID: "only"}}}
	if err := gen.Generate(m); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, gatewayconfig.SafeModeAgentID, IdentityFile)); err != nil {
		t.Error("Generate must always create the safe-mode workspace")
	}
}
