// Package config loads engine configuration: built-in defaults, the
// optional pakt.toml in the admin directory, and the DPKG_* family of
// environment variables, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/arthur-debert/pakt/pkg/paths"
)

// Config is the resolved engine configuration.
type Config struct {
	AdminDir    string `koanf:"admindir"`
	Root        string `koanf:"root"`
	Force       string `koanf:"force"`
	Colors      string `koanf:"colors"`
	LaxVersions bool   `koanf:"lax-versions"`
	AbortAfter  int    `koanf:"abort-after"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		AdminDir:   paths.DefaultAdminDir,
		Root:       "/",
		Colors:     "auto",
		AbortAfter: 50,
	}
}

// envKeyMap maps the recognized environment variables onto config
// keys.
var envKeyMap = map[string]string{
	"DPKG_ADMINDIR": "admindir",
	"DPKG_ROOT":     "root",
	"DPKG_FORCE":    "force",
	"DPKG_COLORS":   "colors",
}

// Load resolves the configuration. adminDirFlag, when non-empty, wins
// over both the config file and the environment (it also decides where
// the config file is looked up).
func Load(adminDirFlag string) (*Config, error) {
	k := koanf.New(".")

	cfg := Default()

	adminDir := adminDirFlag
	if adminDir == "" {
		adminDir = os.Getenv("DPKG_ADMINDIR")
	}
	if adminDir == "" {
		adminDir = cfg.AdminDir
	}

	cfgPath := filepath.Join(adminDir, "pakt.toml")
	if _, err := os.Stat(cfgPath); err == nil {
		if err := k.Load(file.Provider(cfgPath), toml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("DPKG_", ".", func(key string) string {
		if mapped, ok := envKeyMap[key]; ok && os.Getenv(key) != "" {
			return mapped
		}
		// Unrecognized and empty DPKG_* variables are not configuration.
		return ""
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	if adminDirFlag != "" {
		cfg.AdminDir = adminDirFlag
	} else if cfg.AdminDir == "" {
		cfg.AdminDir = paths.DefaultAdminDir
	}
	if cfg.Root == "" {
		cfg.Root = "/"
	}
	cfg.Force = strings.TrimSpace(cfg.Force)
	return cfg, nil
}

// Paths derives the path layout from the configuration.
func (c *Config) Paths() paths.Paths {
	return paths.New(c.AdminDir, c.Root)
}
