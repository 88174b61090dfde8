package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults resolves the config file and data directory.
// Lookup order for each:
//   - RSCHED_CONFIG_PATH, then $XDG_CONFIG_HOME/rsched.toml, then ~/.config/rsched.toml
//   - RSCHED_HOME, then $XDG_DATA_HOME/rsched, then ~/.local/share/rsched
func GetDefaults() (map[string]string, error) {
	configPath, err := resolvePath("RSCHED_CONFIG_PATH", "XDG_CONFIG_HOME", "rsched.toml", ".config")
	if err != nil {
		return nil, err
	}
	baseDir, err := resolvePath("RSCHED_HOME", "XDG_DATA_HOME", "rsched", ".local", "share")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// resolvePath returns the override variable verbatim, or name joined under
// the XDG directory, or name joined under home/fallback.
func resolvePath(override, xdgVar, name string, fallback ...string) (string, error) {
	if path := os.Getenv(override); path != "" {
		return path, nil
	}
	if dir := os.Getenv(xdgVar); filepath.IsAbs(dir) {
		return filepath.Join(dir, name), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	parts := append([]string{homeDir}, fallback...)
	return filepath.Join(append(parts, name)...), nil
}
