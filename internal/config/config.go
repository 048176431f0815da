// Package config persists tundev interface profiles as TOML files. A
// profile holds everything `tundev up` needs to recreate an interface:
// name, address, MTU and the device-level options.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultMTU is applied when a profile leaves MTU unset.
const DefaultMTU = 1500

// Config is the top-level configuration for tundev, persisted as a TOML
// file at DefaultConfigPath().
type Config struct {
	Interface InterfaceConfig `toml:"interface"`
	Log       LogConfig       `toml:"log"`
}

// InterfaceConfig describes the tunnel interface to create.
type InterfaceConfig struct {
	// Name is the interface name (e.g. "tun0"). Empty lets the kernel
	// pick one.
	Name string `toml:"name,omitempty"`

	// Address is the interface address, either CIDR notation
	// ("10.0.0.1/24") or a bare IP combined with Netmask.
	Address string `toml:"address,omitempty"`

	// Netmask is a dotted-quad mask or decimal prefix length, used when
	// Address carries no prefix of its own.
	Netmask string `toml:"netmask,omitempty"`

	// MTU is the interface MTU. Zero selects DefaultMTU.
	MTU int `toml:"mtu,omitempty"`

	// PacketInfo enables the 4-byte packet-information header on the
	// device file.
	PacketInfo bool `toml:"packet_info,omitempty"`

	// Persist keeps the interface alive after tundev exits.
	Persist bool `toml:"persist,omitempty"`
}

// LogConfig controls diagnostic output.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level,omitempty"`
}

// DefaultConfig returns a Config populated with defaults. Interface
// identity (name, address) is left empty for the user to fill in.
func DefaultConfig() *Config {
	return &Config{
		Interface: InterfaceConfig{MTU: DefaultMTU},
		Log:       LogConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the default path for the tundev config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tundev", "config.toml"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since the profile may describe privileged interfaces.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Interface.MTU == 0 {
		cfg.Interface.MTU = DefaultMTU
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
