package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "frozen-ranges.rego")

	regoContent := `# Freeze dhcp_range deletion during the migration window
package ipamctl.policies.frozen

import rego.v1

deny contains violation if {
	input.kind == "delete"
	input.resource_type == "dhcp_range"
	violation := {
		"message": "dhcp_range deletion is frozen",
		"severity": "error",
		"resource_type": input.resource_type,
	}
}`

	err := os.WriteFile(policyFile, []byte(regoContent), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "frozen-ranges" {
		t.Errorf("Expected name 'frozen-ranges', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got '%s'", policy.Severity)
	}
	if policy.Description != "Freeze dhcp_range deletion during the migration window" {
		t.Errorf("Unexpected description: '%s'", policy.Description)
	}
}

func TestLoadFromDirectory(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()

	policies := map[string]string{
		"policy1.rego": "package p1\ndeny contains msg if { false }",
		"policy2.rego": "package p2\ndeny contains msg if { false }",
		"policy3.rego": "package p3\ndeny contains msg if { false }",
	}

	for filename, content := range policies {
		path := filepath.Join(tmpDir, filename)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write test file: %v", err)
		}
	}

	// Non-policy files are ignored.
	if err := os.WriteFile(filepath.Join(tmpDir, "README.md"), []byte("# notes"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != len(policies) {
		t.Errorf("Expected %d policies, got %d", len(policies), len(loaded))
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	if err := os.Mkdir(subDir, 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	err := os.WriteFile(filepath.Join(tmpDir, "policy1.rego"), []byte("package p1\ndeny contains msg if { false }"), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
	err = os.WriteFile(filepath.Join(subDir, "policy2.rego"), []byte("package p2\ndeny contains msg if { false }"), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromDirectory(context.Background(), tmpDir)
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies (including subdirectory), got %d", len(loaded))
	}
}

func TestLoadFromPaths(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()

	dir1 := filepath.Join(tmpDir, "dir1")
	if err := os.Mkdir(dir1, 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}

	err := os.WriteFile(filepath.Join(dir1, "policy1.rego"), []byte("package p1\ndeny contains msg if { false }"), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	file1 := filepath.Join(tmpDir, "policy2.rego")
	err = os.WriteFile(file1, []byte("package p2\ndeny contains msg if { false }"), 0o644)
	if err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir1, file1})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}

	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name: "single line comment",
			content: `# Refuses deletion of frozen ranges
package test`,
			expected: "Refuses deletion of frozen ranges",
		},
		{
			name: "multi line comments",
			content: `# Refuses deletion of frozen ranges
# during the migration window
package test`,
			expected: "Refuses deletion of frozen ranges during the migration window",
		},
		{
			name: "no comments",
			content: `package test
deny contains msg if { false }`,
			expected: "",
		},
		{
			name: "comments with empty lines",
			content: `# First line
#
# Second line
package test`,
			expected: "First line Second line",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractDescription(tt.content)
			if result != tt.expected {
				t.Errorf("Expected description '%s', got '%s'", tt.expected, result)
			}
		})
	}
}

func TestLoaderCache(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test.rego")
	if err := os.WriteFile(policyFile, []byte("package test\ndeny contains msg if { false }"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	loader.ClearCache()

	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after clear, got %d", len(loader.cache))
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(policyFile, []byte("not a policy"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(policyFile); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	_, err := loader.loadFromPath(context.Background(), "/nonexistent/path")
	if err == nil {
		t.Error("Expected error for non-existent path")
	}
}
