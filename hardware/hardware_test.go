package hardware

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_BuiltinTable(t *testing.T) {
	m, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Len() == 0 {
		t.Fatal("built-in table is empty")
	}

	boards, ok := m.Boards("ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin")
	if !ok {
		t.Fatal("expected archer c7 v2 entry in built-in table")
	}
	found := false
	for _, b := range boards {
		if b == "TP-Link Archer C7 v2" {
			found = true
		}
	}
	if !found {
		t.Errorf("boards = %v, want to contain TP-Link Archer C7 v2", boards)
	}

	imageType, ok := m.TypeForBoard("TP-Link Archer C7 v2")
	if !ok {
		t.Fatal("expected reverse lookup for TP-Link Archer C7 v2")
	}
	if imageType != "ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin" {
		t.Errorf("reverse lookup = %q", imageType)
	}
}

func TestLoad_DescriptorOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	desc := `custom-board-squashfs-sysupgrade.bin:
  label: Custom Board
  boards:
    - Custom Board v1
ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin:
  label: Archer Override
  boards:
    - TP-Link Archer C7 v9
`
	if err := os.WriteFile(filepath.Join(dir, "custom.yml"), []byte(desc), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	e, ok := m.Entry("custom-board-squashfs-sysupgrade.bin")
	if !ok {
		t.Fatal("expected descriptor entry to be loaded")
	}
	if e.Label != "Custom Board" {
		t.Errorf("Label = %q", e.Label)
	}

	boards, _ := m.Boards("ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin")
	if len(boards) != 1 || boards[0] != "TP-Link Archer C7 v9" {
		t.Errorf("override entry boards = %v", boards)
	}
}

func TestLoad_RejectsIncompleteDescriptor(t *testing.T) {
	dir := t.TempDir()
	desc := `broken-type:
  label: ""
  boards: []
`
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(desc), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for descriptor without label and boards")
	}
}

func TestLoad_MissingDirUsesBuiltin(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Len() == 0 {
		t.Fatal("expected built-in table")
	}
}

func TestTypeFromFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"openwrt-ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin", "ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin"},
		{"/tmp/openwrt-x86-64-generic-squashfs-sysupgrade.bin", "x86-64-generic-squashfs-sysupgrade.bin"},
		{"noseparator.bin", ""},
	}
	for _, tt := range tests {
		if got := TypeFromFilename(tt.filename); got != tt.want {
			t.Errorf("TypeFromFilename(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}
