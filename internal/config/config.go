// Package config loads and validates the engine's client.conf (§6): worker
// count, per-interface bindings, and the tunable knobs (SACK, timestamps,
// idle timeout, secondary source address, DSS checksum policy). Grounded on
// cmd/ccapp/site_config.go's yaml.v3 load pattern (size cap, world-writable
// refusal, graceful fallback on a missing file), generalized from a
// best-effort site override to the engine's required startup config.
package config

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds how large a client.conf we're willing to parse,
// matching the site-config DoS guard this package is grounded on.
const maxConfigSize = 1024 * 1024

// Interface names one NIC the engine should attach to and optionally listen
// on, per §6.
type Interface struct {
	Name      string `yaml:"name"`
	BindIP    string `yaml:"bind_ip"`
	ListenTCP []int  `yaml:"listen_tcp"`
}

// Config is the top-level client.conf shape (§6).
type Config struct {
	Workers              int         `yaml:"workers"`
	Interfaces           []Interface `yaml:"interfaces"`
	EnableSACK           bool        `yaml:"enable_sack"`
	EnableTimestamps     bool        `yaml:"enable_timestamps"`
	IdleTimeoutSeconds   int         `yaml:"idle_timeout_seconds"`
	SecondarySourceIP    string      `yaml:"secondary_source_ip"`
	VerifyDSSChecksum    bool        `yaml:"verify_dss_checksum"`
	MetricsListenAddr    string      `yaml:"metrics_listen_addr"`
}

// Default returns the baseline configuration used when no file is present.
func Default() Config {
	return Config{
		Workers:            runtime.NumCPU(),
		EnableSACK:         true,
		EnableTimestamps:   true,
		IdleTimeoutSeconds: 600,
		VerifyDSSChecksum:  true,
		MetricsListenAddr:  "127.0.0.1:9464",
	}
}

// Load reads and parses path, falling back to Default() if the file does
// not exist (matching LoadSiteConfig's graceful-fallback behavior); any
// other read/parse failure is returned.
func Load(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return Config{}, fmt.Errorf("config: %s is world-writable, refusing to load", path)
	}
	if info.Size() > maxConfigSize {
		return Config{}, fmt.Errorf("config: %s exceeds %d bytes", path, maxConfigSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the decoded config for internally-consistent values (§6).
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if len(c.Interfaces) == 0 {
		return fmt.Errorf("config: at least one interface must be configured")
	}
	for _, iface := range c.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("config: interface entry missing name")
		}
		if iface.BindIP != "" && net.ParseIP(iface.BindIP) == nil {
			return fmt.Errorf("config: interface %s has invalid bind_ip %q", iface.Name, iface.BindIP)
		}
		for _, port := range iface.ListenTCP {
			if port <= 0 || port > 65535 {
				return fmt.Errorf("config: interface %s has invalid listen_tcp port %d", iface.Name, port)
			}
		}
	}
	if c.SecondarySourceIP != "" && net.ParseIP(c.SecondarySourceIP) == nil {
		return fmt.Errorf("config: invalid secondary_source_ip %q", c.SecondarySourceIP)
	}
	if c.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("config: idle_timeout_seconds must be positive, got %d", c.IdleTimeoutSeconds)
	}
	return nil
}
