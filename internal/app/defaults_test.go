package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetDefaults(t *testing.T) {
	t.Run("uses env vars when set", func(t *testing.T) {
		t.Setenv("BURSTFLARE_CONFIG_PATH", "/custom/config.toml")
		t.Setenv("BURSTFLARE_HOME", "/custom/burstflare")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		if d.ConfigPath != "/custom/config.toml" {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, "/custom/config.toml")
		}
		if d.BaseDir != "/custom/burstflare" {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, "/custom/burstflare")
		}
		if d.LogDir != "/custom/burstflare/log" {
			t.Errorf("LogDir = %q, want %q", d.LogDir, "/custom/burstflare/log")
		}
	})

	t.Run("falls back to home dir defaults", func(t *testing.T) {
		t.Setenv("BURSTFLARE_CONFIG_PATH", "")
		t.Setenv("BURSTFLARE_HOME", "")

		d, err := GetDefaults()
		if err != nil {
			t.Fatalf("GetDefaults() error = %v", err)
		}

		homeDir, _ := os.UserHomeDir()

		wantConfig := filepath.Join(homeDir, ".config", "burstflare.toml")
		if d.ConfigPath != wantConfig {
			t.Errorf("ConfigPath = %q, want %q", d.ConfigPath, wantConfig)
		}

		wantBase := filepath.Join(homeDir, ".local", "share", "burstflare")
		if d.BaseDir != wantBase {
			t.Errorf("BaseDir = %q, want %q", d.BaseDir, wantBase)
		}
		if d.LogDir != filepath.Join(wantBase, "log") {
			t.Errorf("LogDir = %q, want %q", d.LogDir, filepath.Join(wantBase, "log"))
		}
	})
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BURSTFLARE_TEST_FROM_FILE=file\nBURSTFLARE_TEST_PRESET=file\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BURSTFLARE_TEST_PRESET", "env")
	t.Cleanup(func() { os.Unsetenv("BURSTFLARE_TEST_FROM_FILE") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFiles() error = %v", err)
	}

	if got := os.Getenv("BURSTFLARE_TEST_FROM_FILE"); got != "file" {
		t.Errorf("BURSTFLARE_TEST_FROM_FILE = %q, want %q", got, "file")
	}
	if got := os.Getenv("BURSTFLARE_TEST_PRESET"); got != "env" {
		t.Errorf("BURSTFLARE_TEST_PRESET = %q, want preset value kept", got)
	}
}
