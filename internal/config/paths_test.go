package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigDir(t *testing.T) {
	dir, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir() error: %v", err)
	}
	home, _ := os.UserHomeDir()
	if want := filepath.Join(home, ".tether"); dir != want {
		t.Errorf("DefaultConfigDir() = %q, want %q", dir, want)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(".tether", "config.yaml")) {
		t.Errorf("DefaultConfigPath() = %q, want suffix .tether/config.yaml", path)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("Failed to get home dir: %v", err)
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty path", "", ""},
		{"tilde only", "~", home},
		{"tilde with subpath", "~/scripts/main.js", filepath.Join(home, "scripts/main.js")},
		{"absolute path", "/absolute/path", "/absolute/path"},
		{"relative path", "relative/path", "relative/path"},
		{"tilde in middle", "/some/~/path", "/some/~/path"},
		{"tilde user form untouched", "~other/path", "~other/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.input)
			if err != nil {
				t.Fatalf("ExpandPath(%q) error = %v", tt.input, err)
			}
			if got != tt.expected {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
