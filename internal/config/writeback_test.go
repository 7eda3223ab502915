package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestWriteVMNames_PreservesCommentsAndKeys(t *testing.T) {
	path := writeConfig(t, validYAML)

	if err := WriteVMNames(path, []string{"new_vm1", "new_vm2"}); err != nil {
		t.Fatalf("WriteVMNames failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	out := string(data)
	for _, want := range []string{
		`vm_names: ["new_vm1", "new_vm2"]`,
		"# nightly backups",
		"# managed by --all-vms",
		"snapshot_description: nightly",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten config missing %q:\n%s", want, out)
		}
	}

	cfg, err := LoadFromFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if !slices.Equal(cfg.VMNames, []string{"new_vm1", "new_vm2"}) {
		t.Errorf("VMNames = %v", cfg.VMNames)
	}
	if cfg.VMMiddle != "_BAK" {
		t.Errorf("VMMiddle = %q, want _BAK", cfg.VMMiddle)
	}
}

func TestWriteVMNames_KeepsFileMode(t *testing.T) {
	path := writeConfig(t, validYAML)
	if err := os.Chmod(path, 0640); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	if err := WriteVMNames(path, []string{"db1"}); err != nil {
		t.Fatalf("WriteVMNames failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestReplaceVMNames_AppendsMissingKey(t *testing.T) {
	out, err := ReplaceVMNames([]byte("server: qemu:///system\n"), []string{"a"})
	if err != nil {
		t.Fatalf("ReplaceVMNames failed: %v", err)
	}
	if !strings.Contains(string(out), "server: qemu:///system") || !strings.Contains(string(out), `vm_names: ["a"]`) {
		t.Errorf("ReplaceVMNames = %q", out)
	}
}

func TestReplaceVMNames_EmptyDocument(t *testing.T) {
	out, err := ReplaceVMNames(nil, []string{"a", "b"})
	if err != nil {
		t.Fatalf("ReplaceVMNames failed: %v", err)
	}
	if !strings.Contains(string(out), `vm_names: ["a", "b"]`) {
		t.Errorf("ReplaceVMNames = %q", out)
	}
}

func TestReplaceVMNames_RejectsNonMapping(t *testing.T) {
	if _, err := ReplaceVMNames([]byte("- a\n- b\n"), []string{"a"}); err == nil {
		t.Error("expected error for a sequence document")
	}
}

func TestWriteVMNames_Stdin(t *testing.T) {
	if err := WriteVMNames(StdinPath, []string{"a"}); err == nil {
		t.Error("expected error writing to stdin path")
	}
	if err := WriteVMNames(filepath.Join(t.TempDir(), "missing.yaml"), []string{"a"}); err == nil {
		t.Error("expected error writing a missing file")
	}
}
