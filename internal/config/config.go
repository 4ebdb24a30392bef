// Package config handles Atlas configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/atlas/config.yaml, /etc/atlas/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atlas", "config.yaml"))
	}

	paths = append(paths, "/etc/atlas/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Atlas configuration.
type Config struct {
	LogLevel string    `yaml:"log_level"`
	MCP      MCPConfig `yaml:"mcp"`
}

// MCPConfig defines the MCP servers Atlas connects to.
type MCPConfig struct {
	Servers []ServerConfig `yaml:"servers"`
}

// ServerConfig defines one MCP server.
type ServerConfig struct {
	// Name keys the server; its tools surface as "name.tool", so the
	// name itself must not contain a dot.
	Name string `yaml:"name"`

	// Transport selects the connection kind: "stdio" (default),
	// "http", or "websocket".
	Transport string `yaml:"transport"`

	// Command, Args, and Env launch the subprocess for stdio servers.
	// An env value of the exact form "${NAME}" is resolved from the
	// parent environment at launch time, so secrets stay out of the
	// config file.
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`

	// URL and Headers describe the endpoint for http/websocket servers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// AutoStart controls whether the server is connected at startup.
	// Unset means true.
	AutoStart *bool `yaml:"auto_start"`

	// IncludeTools and ExcludeTools filter the discovered tool catalog
	// by short name. Include is applied first.
	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
}

// ShouldStart reports whether this server connects at startup.
func (s ServerConfig) ShouldStart() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for structural problems: empty,
// dotted, or duplicate server names, and missing transport-specific
// fields.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		// "." separates server from tool in full names like "files.read_file",
		// so a dotted server name would make those names unroutable.
		if strings.Contains(s.Name, ".") {
			return fmt.Errorf("mcp.servers[%d]: name %q must not contain '.'", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp.servers[%d] (%s): stdio transport requires a command", i, s.Name)
			}
		case "http", "websocket", "ws":
			if s.URL == "" {
				return fmt.Errorf("mcp.servers[%d] (%s): %s transport requires a url", i, s.Name, s.Transport)
			}
		default:
			return fmt.Errorf("mcp.servers[%d] (%s): unknown transport %q", i, s.Name, s.Transport)
		}
	}
	return nil
}

// Default returns a default configuration with no servers.
func Default() *Config {
	return &Config{}
}
