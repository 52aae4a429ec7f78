package definition

import (
	"os"
	"path/filepath"
	"testing"
)

const ticketYAML = `
id: ticket
name: Ticket
states:
  - name: open
    steps:
      - name: close
        next_state: closed
        roles: [admin]
        task: close
        operation: REMARKS
  - name: closed
    steps: []
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ticket.yaml", ticketYAML)

	l := NewLoader()
	def, err := l.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.ID != "ticket" {
		t.Errorf("ID = %q, want ticket", def.ID)
	}
	if len(def.States) != 2 {
		t.Fatalf("States = %d, want 2", len(def.States))
	}
	step := def.States[0].Steps[0]
	if step.NextState != "closed" {
		t.Errorf("NextState = %q, want closed", step.NextState)
	}
	if step.Operation != "REMARKS" {
		t.Errorf("Operation = %q, want REMARKS", step.Operation)
	}
	if len(step.Roles) != 1 || step.Roles[0] != "admin" {
		t.Errorf("Roles = %v", step.Roles)
	}
	if !def.States[1].Terminal() {
		t.Error("closed should be terminal")
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != path {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", "id: [unterminated\n")

	_, err := NewLoader().LoadFile(path)
	if err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestParse_rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty document", ""},
		{"comment only", "# nothing here\n"},
		{"misspelled step field", "id: t\nname: T\nstates:\n  - name: a\n    steps:\n      - name: go\n        nextstate: b\n"},
		{"unknown top-level key", "id: t\nname: T\nversion: 2\nstates: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); err == nil {
				t.Errorf("Parse(%q) should fail", tt.doc)
			}
		})
	}
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a/ticket.yaml", ticketYAML)
	writeFile(t, dir, "b/ticket2.yml", "id: ticket2\nname: Ticket 2\nstates:\n  - name: only\n")
	writeFile(t, dir, "b/readme.txt", "ignored")

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[0].ID != "ticket" || defs[1].ID != "ticket2" {
		t.Errorf("order = [%s %s], want [ticket ticket2]", defs[0].ID, defs[1].ID)
	}
	if defs[1].SourceFile != filepath.Join(dir, "b/ticket2.yml") {
		t.Errorf("SourceFile = %q", defs[1].SourceFile)
	}
}

func TestLoader_LoadAll_missing_directory(t *testing.T) {
	_, err := NewLoader().LoadAll([]string{filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestParse_checksumStable(t *testing.T) {
	a, err := Parse([]byte(ticketYAML))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	b, _ := Parse([]byte(ticketYAML))
	if a.Checksum != b.Checksum {
		t.Errorf("checksums differ: %s vs %s", a.Checksum, b.Checksum)
	}
}
