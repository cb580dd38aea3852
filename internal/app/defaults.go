package app

import (
	"fmt"
	"os"
	"path/filepath"

	"okoa-go/internal/config"
)

// Defaults are the paths okoa uses when the config file does not say otherwise.
type Defaults struct {
	ConfigPath string
	BaseDir    string
	LogDir     string
	SpoolDir   string // filesystem remote
	LockPath   string // cross-process flush lock
}

// GetDefaults returns application default paths. Lookup order:
//   - config file: OKOA_CONFIG_PATH, then $XDG_CONFIG_HOME/okoa.toml, then ~/.config/okoa.toml
//   - data: OKOA_HOME, then $XDG_DATA_HOME/okoa, then ~/.local/share/okoa
func GetDefaults() (*Defaults, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	cfg := config.NewConfig(baseDir)
	return &Defaults{
		ConfigPath: configPath,
		BaseDir:    baseDir,
		LogDir:     cfg.LogDir,
		SpoolDir:   cfg.Remote.SpoolDir,
		LockPath:   cfg.Sync.LockPath,
	}, nil
}

// Config returns a new config rooted at the default base directory.
func (d *Defaults) Config() *config.Config {
	return config.NewConfig(d.BaseDir)
}

func getConfigPath() (string, error) {
	if path := os.Getenv("OKOA_CONFIG_PATH"); path != "" {
		return path, nil
	}
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "okoa.toml"), nil
}

func getBaseDir() (string, error) {
	if path := os.Getenv("OKOA_HOME"); path != "" {
		return path, nil
	}
	dir, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "okoa"), nil
}

// xdgDir returns $env when it is an absolute path, else ~/fallback.
// Relative XDG values are ignored, as XDG base directories must be absolute.
func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, fallback), nil
}
