package setup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/prompt"
)

func TestRun_CreatesDirectoryStructure(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	if err := os.Mkdir(projectDir, 0755); err != nil {
		t.Fatalf("create project dir: %v", err)
	}

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".delegator")

	expectedDirs := []string{
		"sessions",
		"locks",
		"logs",
		"quarantine",
	}
	for _, d := range expectedDirs {
		path := filepath.Join(base, d)
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("directory %s does not exist: %v", d, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", d)
		}
	}
}

func TestRun_CopiesInstructionTemplate(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	path := filepath.Join(projectDir, ".delegator", "instruction.md.tmpl")
	b, err := prompt.NewBuilder(path)
	if err != nil {
		t.Fatalf("copied template does not parse: %v", err)
	}
	out, err := b.Build(model.TaskDescriptor{Prompt: "write the changelog"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out, "write the changelog") {
		t.Errorf("rendered instruction missing prompt:\n%s", out)
	}
}

func TestRun_AutoFillsConfig(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)

	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(projectDir, ".delegator")
	data, err := os.ReadFile(filepath.Join(base, "config.yaml"))
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}

	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parse config.yaml: %v", err)
	}

	if cfg.Project.Name != "myproject" {
		t.Errorf("project.name: got %q, want %q", cfg.Project.Name, "myproject")
	}
	if cfg.Project.Root == "" {
		t.Error("project.root is empty")
	}
	if cfg.Project.Created == "" {
		t.Error("project.created is empty")
	}
	if cfg.Sessions.MaxConcurrent != 3 {
		t.Errorf("sessions.max_concurrent: got %d, want 3", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Worker.Template != filepath.Join(base, "instruction.md.tmpl") {
		t.Errorf("worker.template: got %q", cfg.Worker.Template)
	}
}

func TestRun_ProjectNameOverride(t *testing.T) {
	projectDir := t.TempDir()
	if err := Run(projectDir, "billing"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := LoadConfig(filepath.Join(projectDir, StateDir))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "billing" {
		t.Errorf("project.name: got %q, want billing", cfg.Project.Name)
	}
}

func TestRun_RejectsExistingDir(t *testing.T) {
	dir := t.TempDir()
	projectDir := filepath.Join(dir, "myproject")
	os.Mkdir(projectDir, 0755)
	os.Mkdir(filepath.Join(projectDir, ".delegator"), 0755)

	err := Run(projectDir, "")
	if err == nil {
		t.Fatal("expected error for existing .delegator/")
	}
}

func TestFind_SearchesAncestors(t *testing.T) {
	projectDir := t.TempDir()
	if err := Run(projectDir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	nested := filepath.Join(projectDir, "src", "pkg")
	os.MkdirAll(nested, 0755)

	got := Find(nested)
	if got != filepath.Join(projectDir, StateDir) {
		t.Errorf("Find: got %q", got)
	}

	if got := Find(t.TempDir()); got != "" {
		t.Errorf("Find outside a project: got %q, want empty", got)
	}
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte("sessions:\n  max_concurrent: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(stateDir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Sessions.MaxConcurrent != 7 {
		t.Errorf("max_concurrent: got %d, want 7", cfg.Sessions.MaxConcurrent)
	}
	if cfg.Queue.BackoffMs != 5000 {
		t.Errorf("backoff_ms default: got %d", cfg.Queue.BackoffMs)
	}

	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Error("expected error for missing config.yaml")
	}
}

func TestLoadConfig_RejectsInvalidValues(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte("storage:\n  driver: postgres\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(stateDir)
	if err == nil {
		t.Fatal("expected error for unknown storage driver")
	}
	if !strings.Contains(err.Error(), "storage.driver") {
		t.Errorf("error should name the field: %v", err)
	}
}
