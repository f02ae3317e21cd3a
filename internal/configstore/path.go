package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const configFileName = "config.toml"

// GetConfigPath resolves the configuration directory and file path using
// XDG rules with a fallback to ~/.config/contained/config.toml. Setting
// CONTAINED_HOME overrides the base directory entirely.
func GetConfigPath() (string, string, error) {
	if override := strings.TrimSpace(os.Getenv("CONTAINED_HOME")); override != "" {
		dir := filepath.Clean(override)
		if !filepath.IsAbs(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return "", "", fmt.Errorf("resolve CONTAINED_HOME %q: %w", override, err)
			}
			dir = abs
		}
		return dir, filepath.Join(dir, configFileName), nil
	}

	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			if err == nil {
				err = fmt.Errorf("home directory not found")
			}
			return "", "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, "contained")
	return dir, filepath.Join(dir, configFileName), nil
}
