package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/homelab/aspen/internal/tunnel"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ASPEN_"

// Config holds all configuration for the aspen service
type Config struct {
	DBPath            string          `yaml:"db_path"`
	Listen            string          `yaml:"listen"`
	NetworkCIDR       string          `yaml:"network_cidr"`
	ServerAddress     string          `yaml:"server_address"`
	Endpoint          string          `yaml:"endpoint"`
	Interface         InterfaceConfig `yaml:"interface"`
	RequireInvites    bool            `yaml:"require_invites"`
	SyncTimeout       time.Duration   `yaml:"sync_timeout"`
	ReconcileInterval time.Duration   `yaml:"reconcile_interval"`
}

// InterfaceConfig describes the tunnel interface
type InterfaceConfig struct {
	Name           string `yaml:"name"`
	ListenPort     int    `yaml:"listen_port"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Engine         string `yaml:"engine"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		DBPath:      "~/aspen/data/aspen.db",
		Listen:      ":8080",
		NetworkCIDR: "10.8.0.0/24",
		Interface: InterfaceConfig{
			Name:           "aspen0",
			ListenPort:     51820,
			PrivateKeyPath: "~/aspen/data/server.key",
			Engine:         tunnel.EngineWireGuard,
		},
		SyncTimeout:       10 * time.Second,
		ReconcileInterval: 5 * time.Minute,
	}
}

// Load builds a config from defaults, an optional YAML file and the
// environment, in that order. A .env file in dotenvPath is loaded into the
// environment first when present.
func Load(path, dotenvPath string) (*Config, error) {
	c := NewConfig()

	if dotenvPath != "" {
		if err := LoadDotEnv(dotenvPath); err != nil {
			return nil, err
		}
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDotEnv loads path into the process environment. Variables already set
// win, and a missing file is ignored.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadFile overlays the YAML file at path onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(c.expandPath(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays ASPEN_* variables returned by lookup onto c
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DB_PATH":          &c.DBPath,
		"LISTEN":           &c.Listen,
		"NETWORK_CIDR":     &c.NetworkCIDR,
		"SERVER_ADDRESS":   &c.ServerAddress,
		"ENDPOINT":         &c.Endpoint,
		"INTERFACE_NAME":   &c.Interface.Name,
		"PRIVATE_KEY_PATH": &c.Interface.PrivateKeyPath,
		"ENGINE":           &c.Interface.Engine,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "LISTEN_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sLISTEN_PORT %q: %w", EnvPrefix, v, err)
		}
		c.Interface.ListenPort = port
	}
	if v, ok := lookup(EnvPrefix + "REQUIRE_INVITES"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sREQUIRE_INVITES %q: %w", EnvPrefix, v, err)
		}
		c.RequireInvites = b
	}

	durations := map[string]*time.Duration{
		"SYNC_TIMEOUT":       &c.SyncTimeout,
		"RECONCILE_INTERVAL": &c.ReconcileInterval,
	}
	for name, dst := range durations {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, v, err)
			}
			*dst = d
		}
	}
	return nil
}

// Validate checks that the config describes a usable deployment
func (c *Config) Validate() error {
	prefix, err := netip.ParsePrefix(c.NetworkCIDR)
	if err != nil {
		return fmt.Errorf("invalid network_cidr %q: %w", c.NetworkCIDR, err)
	}
	if c.ServerAddress != "" {
		addr, err := netip.ParseAddr(c.ServerAddress)
		if err != nil {
			return fmt.Errorf("invalid server_address %q: %w", c.ServerAddress, err)
		}
		if !prefix.Contains(addr) {
			return fmt.Errorf("server_address %s is outside network_cidr %s", addr, prefix.Masked())
		}
	}

	switch c.Interface.Engine {
	case tunnel.EngineWireGuard, tunnel.EngineMemory:
	default:
		return fmt.Errorf("unknown interface engine %q", c.Interface.Engine)
	}
	if c.Interface.Name == "" {
		return fmt.Errorf("interface name is required")
	}
	if c.Interface.ListenPort <= 0 || c.Interface.ListenPort > 65535 {
		return fmt.Errorf("invalid interface listen_port %d", c.Interface.ListenPort)
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("sync_timeout must be positive")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("reconcile_interval must not be negative")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	return nil
}

// KeyPath returns the expanded private key path
func (c *Config) KeyPath() string {
	return c.expandPath(c.Interface.PrivateKeyPath)
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
