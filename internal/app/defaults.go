package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Defaults are the paths a command falls back on before any config is read.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
}

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - BURSTFLARE_CONFIG_PATH: config file location (default: ~/.config/burstflare.toml)
//   - BURSTFLARE_HOME: base directory for burstflare data (default: ~/.local/share/burstflare)
func GetDefaults() (*Defaults, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     filepath.Join(baseDir, "log"),
	}, nil
}

// LoadEnvFiles loads KEY=value pairs from the given .env files into the
// process environment. Missing files are skipped and variables already set
// win over file values.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// getConfigPath returns the config file path, checking BURSTFLARE_CONFIG_PATH first,
// then falling back to the default ~/.config/burstflare.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("BURSTFLARE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "burstflare.toml"), nil
}

// getBaseDir returns the data directory, checking BURSTFLARE_HOME first,
// then falling back to the XDG default ~/.local/share/burstflare.
func getBaseDir() (string, error) {
	if path := os.Getenv("BURSTFLARE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "burstflare"), nil
}
