// Package setup handles delegator project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/delegator/internal/model"
	atomicyaml "github.com/msageha/delegator/internal/yaml"
	"github.com/msageha/delegator/templates"
)

// StateDir is the per-project directory holding config, sessions and logs.
const StateDir = ".delegator"

// Run initializes the .delegator/ directory structure in the given project directory.
// projectName overrides the auto-detected name (defaults to directory basename if empty).
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, StateDir)

	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	dirs := []string{
		"sessions",
		"locks",
		"logs",
		atomicyaml.QuarantineDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	// The instruction template is copied so it can be edited per project.
	instructionPath := filepath.Join(base, templates.InstructionFile)
	if err := copyTemplateFile(templates.InstructionFile, instructionPath); err != nil {
		return err
	}

	cfg, err := generateConfig(absDir, projectName, instructionPath)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("generated config: %w", err)
	}

	if err := atomicyaml.AtomicWrite(filepath.Join(base, templates.ConfigFile), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// Find searches for .delegator/ in dir and its ancestors. It returns "" when
// none exists.
func Find(dir string) string {
	for {
		candidate := filepath.Join(dir, StateDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadConfig reads stateDir/config.yaml, applies defaults and validates the result.
func LoadConfig(stateDir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, templates.ConfigFile))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(projectDir, projectName, instructionPath string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, templates.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if projectName != "" {
		cfg.Project.Name = projectName
	} else {
		cfg.Project.Name = filepath.Base(projectDir)
	}
	cfg.Project.Root = projectDir
	cfg.Project.Created = time.Now().Format(time.RFC3339)
	cfg.Worker.Template = instructionPath

	return &cfg, nil
}
