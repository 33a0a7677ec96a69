package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("RC_TEST_KEY=from-file\nRC_TEST_SET=from-file\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	t.Setenv("RC_TEST_SET", "from-env")
	t.Setenv("RC_TEST_KEY", "")
	if err := os.Unsetenv("RC_TEST_KEY"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"), envFile)
	if err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0] != envFile {
		t.Errorf("loaded = %v, want [%s]", loaded, envFile)
	}
	if got := os.Getenv("RC_TEST_KEY"); got != "from-file" {
		t.Errorf("RC_TEST_KEY = %q, want from-file", got)
	}
	if got := os.Getenv("RC_TEST_SET"); got != "from-env" {
		t.Errorf("existing variables must win, got %q", got)
	}
}

func TestLoadDotEnv_Malformed(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("NOT VALID LINE WITHOUT EQUALS 'oops\n"), 0o600); err != nil {
		t.Fatalf("writing .env: %v", err)
	}
	if _, err := LoadDotEnv(envFile); err == nil {
		t.Error("expected error for malformed .env")
	}
}
