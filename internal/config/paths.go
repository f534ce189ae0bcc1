package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.callcoach.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".callcoach"), nil
}

// EnsureConfigDir creates dir (and parents) if missing.
func EnsureConfigDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// DefaultPath is the config file used when no --config flag is given.
func DefaultPath() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
