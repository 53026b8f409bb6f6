package mdt

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidProjectCode(t *testing.T) {
	valid := []string{"A1", "MDT", "PROJ2026", "X123456789"}
	for _, code := range valid {
		if !validProjectCode(code) {
			t.Fatalf("code %q should be valid", code)
		}
	}
	invalid := []string{"", "A", "a1", "1AB", "TOOLONGCODE", "AB-C", "AB C"}
	for _, code := range invalid {
		if validProjectCode(code) {
			t.Fatalf("code %q should be invalid", code)
		}
	}
}

func TestResolveWithinRoot(t *testing.T) {
	root := filepath.Join("/srv", "project")
	got, err := resolveWithinRoot(root, filepath.Join("docs", "tasks"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := filepath.Join(root, "docs", "tasks")
	if got != want {
		t.Fatalf("resolved to %q, want %q", got, want)
	}

	for _, rel := range []string{"", "  ", "/etc/passwd", "../outside", filepath.Join("docs", "..", "..", "outside")} {
		if _, err := resolveWithinRoot(root, rel); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("path %q: expected ErrInvalidInput, got %v", rel, err)
		}
	}
}

func TestProjectConfigPaths(t *testing.T) {
	cfg := ProjectConfig{
		Code:          "MDT",
		RootPath:      filepath.Join("/srv", "mdt"),
		TicketPath:    "tasks",
		DocumentPaths: []string{"docs"},
	}
	if got, want := cfg.TicketDir(), filepath.Join("/srv", "mdt", "tasks"); got != want {
		t.Fatalf("TicketDir = %q, want %q", got, want)
	}
	if got, want := cfg.ConfigPath(), filepath.Join("/srv", "mdt", ".mdt", "config.yml"); got != want {
		t.Fatalf("ConfigPath = %q, want %q", got, want)
	}
	if got, want := cfg.CounterPath(), filepath.Join("/srv", "mdt", ".mdt", ".mdt-next"); got != want {
		t.Fatalf("CounterPath = %q, want %q", got, want)
	}
	roots := cfg.WatchRoots()
	if len(roots) != 2 || roots[0] != cfg.TicketDir() || roots[1] != filepath.Join("/srv", "mdt", "docs") {
		t.Fatalf("unexpected watch roots %v", roots)
	}
}

func TestProjectConfigEqual(t *testing.T) {
	base := ProjectConfig{
		Code:           "MDT",
		RootPath:       "/srv/mdt",
		TicketPath:     "tasks",
		DocumentPaths:  []string{"docs"},
		ExcludeFolders: []string{"node_modules"},
	}
	if !base.Equal(base) {
		t.Fatalf("config should equal itself")
	}
	changedTickets := base
	changedTickets.TicketPath = "tickets"
	if base.Equal(changedTickets) {
		t.Fatalf("different ticketPath should not be equal")
	}
	changedExcludes := base
	changedExcludes.ExcludeFolders = []string{"dist"}
	if base.Equal(changedExcludes) {
		t.Fatalf("different excludes should not be equal")
	}
}
