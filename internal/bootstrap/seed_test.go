package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureWorkspaceFilesSeedsAll(t *testing.T) {
	dir := t.TempDir()
	created, err := EnsureWorkspaceFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	// Brand-new workspace gets the standard set plus BOOTSTRAP.md.
	want := len(templateFiles) + 1
	if len(created) != want {
		t.Errorf("created %d files, want %d: %v", len(created), want, created)
	}
	for _, name := range append(templateFiles, BootstrapFile) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestEnsureWorkspaceFilesNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, HeartbeatFile)
	if err := os.WriteFile(path, []byte("- check the servers\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "- check the servers\n" {
		t.Errorf("HEARTBEAT.md overwritten: %q", content)
	}
}

func TestEnsureWorkspaceFilesSkipsBootstrapWhenEstablished(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, AgentsFile), []byte("# mine\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := EnsureWorkspaceFiles(dir); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, BootstrapFile)); !os.IsNotExist(err) {
		t.Error("BOOTSTRAP.md seeded into an established workspace")
	}
}
