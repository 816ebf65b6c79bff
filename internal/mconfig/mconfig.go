// Package mconfig parses the user's .mixminionrc configuration file
// (this design). The primary format is YAML; a legacy
// "[Section]\nkey = value" TOML-flavored block is also accepted for
// backward compatibility, auto-detected by content sniffing.
package mconfig

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"mixminion.io/client/internal/errs"
)

// Config holds every recognized option from this design, with its
// documented default already applied.
type Config struct {
	UserDir string // User.UserDir

	PathLength     int           // Security.PathLength
	SURBPathLength int           // Security.SURBPathLength
	SURBLifetime   time.Duration // Security.SURBLifetime
	SURBAddress    string        // Security.SURBAddress

	ConnectionTimeout time.Duration // Network.ConnectionTimeout

	ShredCommand   string // Host.ShredCommand
	EntropySource  string // Host.EntropySource
}

// Default returns a Config populated with this design's documented
// defaults.
func Default() Config {
	return Config{
		UserDir:           defaultUserDir(),
		PathLength:        6,
		SURBPathLength:    4,
		SURBLifetime:      7 * 24 * time.Hour,
		ConnectionTimeout: 20 * time.Second,
	}
}

func defaultUserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mixminion"
	}
	return filepath.Join(home, ".mixminion")
}

// yamlShape mirrors the section:key nesting of the primary format.
type yamlShape struct {
	User struct {
		UserDir string `yaml:"UserDir"`
	} `yaml:"User"`
	Security struct {
		PathLength     int    `yaml:"PathLength"`
		SURBPathLength int    `yaml:"SURBPathLength"`
		SURBLifetime   string `yaml:"SURBLifetime"`
		SURBAddress    string `yaml:"SURBAddress"`
	} `yaml:"Security"`
	Network struct {
		ConnectionTimeout int `yaml:"ConnectionTimeout"`
	} `yaml:"Network"`
	Host struct {
		ShredCommand  string `yaml:"ShredCommand"`
		EntropySource string `yaml:"EntropySource"`
	} `yaml:"Host"`
}

// tomlShape mirrors the legacy [Section]\nkey = value layout.
type tomlShape struct {
	User struct {
		UserDir string `toml:"UserDir"`
	} `toml:"User"`
	Security struct {
		PathLength     int    `toml:"PathLength"`
		SURBPathLength int    `toml:"SURBPathLength"`
		SURBLifetime   string `toml:"SURBLifetime"`
		SURBAddress    string `toml:"SURBAddress"`
	} `toml:"Security"`
	Network struct {
		ConnectionTimeout int `toml:"ConnectionTimeout"`
	} `toml:"Network"`
	Host struct {
		ShredCommand  string `toml:"ShredCommand"`
		EntropySource string `toml:"EntropySource"`
	} `toml:"Host"`
}

// Path returns the configuration file path: $MIXMINIONRC if set, else
// ~/.mixminionrc.
func Path() string {
	if p := os.Getenv("MIXMINIONRC"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mixminionrc"
	}
	return filepath.Join(home, ".mixminionrc")
}

// Load reads and parses the configuration file at path, overlaying it
// onto Default(). A missing file is not an error: Default() alone is
// returned.
func Load(path string) (Config, error) {
	const op = "mconfig.Load"

	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errs.E(op, errs.Fatal, err)
	}

	if looksLikeTOML(data) {
		var t tomlShape
		if _, err := toml.Decode(string(data), &t); err != nil {
			return cfg, errs.E(op, errs.Parse, err)
		}
		applyTOML(&cfg, t)
		return cfg, nil
	}

	var y yamlShape
	if err := yaml.Unmarshal(data, &y); err != nil {
		return cfg, errs.E(op, errs.Parse, err)
	}
	applyYAML(&cfg, y)
	return cfg, nil
}

// looksLikeTOML sniffs for the legacy bracketed-section format: its
// first non-blank line starts with '['.
func looksLikeTOML(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		return trimmed[0] == '['
	}
	return false
}

func applyYAML(cfg *Config, y yamlShape) {
	if y.User.UserDir != "" {
		cfg.UserDir = y.User.UserDir
	}
	if y.Security.PathLength != 0 {
		cfg.PathLength = y.Security.PathLength
	}
	if y.Security.SURBPathLength != 0 {
		cfg.SURBPathLength = y.Security.SURBPathLength
	}
	if d, err := time.ParseDuration(y.Security.SURBLifetime); err == nil && d != 0 {
		cfg.SURBLifetime = d
	}
	if y.Security.SURBAddress != "" {
		cfg.SURBAddress = y.Security.SURBAddress
	}
	if y.Network.ConnectionTimeout != 0 {
		cfg.ConnectionTimeout = time.Duration(y.Network.ConnectionTimeout) * time.Second
	}
	if y.Host.ShredCommand != "" {
		cfg.ShredCommand = y.Host.ShredCommand
	}
	if y.Host.EntropySource != "" {
		cfg.EntropySource = y.Host.EntropySource
	}
}

func applyTOML(cfg *Config, t tomlShape) {
	if t.User.UserDir != "" {
		cfg.UserDir = t.User.UserDir
	}
	if t.Security.PathLength != 0 {
		cfg.PathLength = t.Security.PathLength
	}
	if t.Security.SURBPathLength != 0 {
		cfg.SURBPathLength = t.Security.SURBPathLength
	}
	if d, err := time.ParseDuration(t.Security.SURBLifetime); err == nil && d != 0 {
		cfg.SURBLifetime = d
	}
	if t.Security.SURBAddress != "" {
		cfg.SURBAddress = t.Security.SURBAddress
	}
	if t.Network.ConnectionTimeout != 0 {
		cfg.ConnectionTimeout = time.Duration(t.Network.ConnectionTimeout) * time.Second
	}
	if t.Host.ShredCommand != "" {
		cfg.ShredCommand = t.Host.ShredCommand
	}
	if t.Host.EntropySource != "" {
		cfg.EntropySource = t.Host.EntropySource
	}
}
