package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"airsend/wire"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "airsend"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	Alias       string `json:"alias"`
	DeviceModel string `json:"device_model"`
	DeviceType  string `json:"device_type"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"`
	Download    bool   `json:"download"`
	SaveDir     string `json:"save_dir"`
	MDNSEnabled bool   `json:"mdns_enabled"`
}

// UseHTTPS reports whether the configured protocol is https.
func (c *DeviceConfig) UseHTTPS() bool {
	return c.Protocol == wire.SchemeHTTPS
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If AIRSEND_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("AIRSEND_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// IdentityDir returns the directory holding the certificate material.
func IdentityDir(dataDir string) string {
	return filepath.Join(dataDir, "identity")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		IdentityDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	return &DeviceConfig{
		Alias:       defaultAlias(),
		DeviceModel: runtime.GOOS,
		DeviceType:  "desktop",
		Port:        wire.DefaultPort,
		Protocol:    wire.SchemeHTTPS,
		Download:    false,
		SaveDir:     defaultSaveDir(),
		MDNSEnabled: false,
	}
}

func defaultAlias() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "AirSend Device"
}

func defaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	downloads := filepath.Join(home, "Downloads")
	if info, err := os.Stat(downloads); err == nil && info.IsDir() {
		return downloads
	}
	return home
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.Alias == "" {
		cfg.Alias = defaultAlias()
		updated = true
	}

	if cfg.DeviceModel == "" {
		cfg.DeviceModel = runtime.GOOS
		updated = true
	}

	if cfg.DeviceType == "" {
		cfg.DeviceType = "desktop"
		updated = true
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = wire.DefaultPort
		updated = true
	}

	if cfg.Protocol != wire.SchemeHTTP && cfg.Protocol != wire.SchemeHTTPS {
		cfg.Protocol = wire.SchemeHTTPS
		updated = true
	}

	if cfg.SaveDir == "" {
		cfg.SaveDir = defaultSaveDir()
		updated = true
	}

	return updated
}
