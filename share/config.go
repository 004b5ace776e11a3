package ppshare

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by ApplyDefaults.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8080
	DefaultTLD          = "paper"
	DefaultRelayTimeout = 30 * time.Second
)

// DefaultDomains are the domains seeded into the hosts file at startup;
// additional domains may be registered at runtime over the control channel.
var DefaultDomains = []string{"paper", "blog.paper", "shop.paper", "test.paper"}

// Duration is a time.Duration that unmarshals from a YAML string such as
// "30s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ServerConfig is the configuration for the ingress server.
type ServerConfig struct {
	// Host is the address the HTTP listener binds to.
	Host string `yaml:"host"`

	// Port is the port the HTTP listener binds to.
	Port int `yaml:"port"`

	// TLD is the custom top-level domain served by this ingress, without
	// the leading dot.
	TLD string `yaml:"tld"`

	// Domains are seeded into the hosts-file managed block at startup.
	Domains []string `yaml:"domains"`

	// HostsFile overrides the platform hosts-file path. Empty means the
	// platform default.
	HostsFile string `yaml:"hosts_file"`

	// RelayTimeout is the fixed bound a relayed request may wait for its
	// reply. There is no per-request override.
	RelayTimeout Duration `yaml:"relay_timeout"`

	// NoHosts disables hosts-file patching entirely; only the PAC route
	// remains available for name resolution.
	NoHosts bool `yaml:"no_hosts"`

	// WatchHosts re-installs the managed block if an external writer
	// disturbs the hosts file.
	WatchHosts bool `yaml:"watch_hosts"`

	// Debug enables debug logging and per-request HTTP logging.
	Debug bool `yaml:"debug"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.TLD == "" {
		c.TLD = DefaultTLD
	}
	if len(c.Domains) == 0 {
		c.Domains = append([]string(nil), DefaultDomains...)
	}
	if c.HostsFile == "" {
		c.HostsFile = DefaultHostsFilePath()
	}
	if c.RelayTimeout == 0 {
		c.RelayTimeout = Duration(DefaultRelayTimeout)
	}
}

// LoadServerConfig reads a YAML config file and applies defaults. An empty
// path yields a default configuration.
func LoadServerConfig(path string) (*ServerConfig, error) {
	config := &ServerConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	config.ApplyDefaults()
	return config, nil
}
