package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

type doc struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	Status        string `yaml:"status"`
}

func TestAtomicWrite_KeepsPreviousAsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")

	if err := AtomicWrite(path, doc{1, "session_status", "pending"}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := AtomicWrite(path, doc{1, "session_status", "running"}); err != nil {
		t.Fatalf("second write: %v", err)
	}

	var cur, bak doc
	if err := Load(path, &cur); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Load(path+".bak", &bak); err != nil {
		t.Fatalf("Load backup: %v", err)
	}
	if cur.Status != "running" || bak.Status != "pending" {
		t.Errorf("current=%q backup=%q", cur.Status, bak.Status)
	}
}

func TestWriteAtomic_RejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status.yaml")

	if err := writeAtomic(path, []byte(":\n  invalid: [\n    broken")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("nothing should be left behind, found %d entries", len(entries))
	}
}

func TestAtomicWrite_NoTempFilesLeft(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.yaml")
	for i := 0; i < 3; i++ {
		if err := AtomicWrite(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "queue.yaml" && e.Name() != "queue.yaml.bak" {
			t.Errorf("unexpected file: %s", e.Name())
		}
	}

	var got map[string]int
	content, _ := os.ReadFile(path)
	if err := yamlv3.Unmarshal(content, &got); err != nil || got["n"] != 2 {
		t.Errorf("final content %v, err %v", got, err)
	}
}

func TestLoad_Missing(t *testing.T) {
	var got map[string]string
	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &got)
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	os.WriteFile(path, []byte("status: [\n"), 0644)

	var got map[string]string
	err := Load(path, &got)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if errors.Is(err, ErrNotExist) {
		t.Error("parse error must not look like a missing file")
	}
}

func TestLoadDoc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.yaml")
	if err := AtomicWrite(path, doc{1, "session_status", "completed"}); err != nil {
		t.Fatal(err)
	}

	var got doc
	if err := LoadDoc(path, "session_status", &got); err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("status: got %q", got.Status)
	}

	err := LoadDoc(path, "session_result", &got)
	if !errors.Is(err, ErrSchema) {
		t.Errorf("expected ErrSchema, got %v", err)
	}
	err = LoadDoc(path+".missing", "session_status", &got)
	if !errors.Is(err, ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
