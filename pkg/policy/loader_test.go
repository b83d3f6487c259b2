package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "no-friday-deploys.rego")
	regoContent := `# No deployments on Fridays
package site.friday

import rego.v1

deny contains "no deployments on Friday" if {
	input.action == "deploy"
	time.weekday(time.now_ns()) == "Friday"
}`
	writeFile(t, policyFile, regoContent)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-friday-deploys" {
		t.Errorf("Expected name 'no-friday-deploys', got '%s'", policy.Name)
	}
	if policy.Description != "No deployments on Fridays" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", policy.Severity)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "advisory.json")

	policy := Policy{
		Name:        "advisory",
		Description: "Warns about redis",
		Rego:        "package advisory\nimport rego.v1\ndeny contains \"redis\" if input.resource.config.engine == \"redis\"",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
	}
	data, err := json.Marshal(policy)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, policyFile, string(data))

	loaded, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != policy.Name {
		t.Errorf("Expected name '%s', got '%s'", policy.Name, loaded.Name)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got '%s'", loaded.Severity)
	}
	if loaded.Builtin {
		t.Error("File policies can never be built-in")
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := map[string]string{
		"test.txt":     "not a policy",
		"garbage.json": "invalid json",
		"empty.json":   `{"name": "empty"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeFile(t, path, content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tmpDir := t.TempDir()

	dir1 := filepath.Join(tmpDir, "dir1")
	sub := filepath.Join(dir1, "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir1, "p1.rego"), "package p1")
	writeFile(t, filepath.Join(sub, "p2.rego"), "package p2")
	writeFile(t, filepath.Join(dir1, "README.md"), "# ignored")

	file := filepath.Join(tmpDir, "p3.rego")
	writeFile(t, file, "package p3")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Expected 3 policies, got %d", len(loaded))
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if loaded[i].Name != want {
			t.Errorf("policy %d: expected %s, got %s", i, want, loaded[i].Name)
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/path"}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{"single line comment", "# This is a test policy\npackage test", "This is a test policy"},
		{"multi line comments", "# This is a test policy\n# that spans multiple lines\npackage test", "This is a test policy that spans multiple lines"},
		{"no comments", "package test\ndeny contains 1 if false", ""},
		{"comments with empty lines", "# First line\n#\n# Second line\npackage test", "First line Second line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, got)
			}
		})
	}
}
