package monitoring

import (
	"fmt"
	"strings"
)

// Config selects whether metrics are exported and on which route.
type Config struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path"    yaml:"path"    mapstructure:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Path:    "/metrics",
	}
}

var reservedPaths = []string{"/mcp", "/sse", "/messages", "/ping", "/healthz"}

// Validate rejects paths that would shadow an MCP or health route.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	for _, reserved := range reservedPaths {
		if c.Path == reserved || strings.HasPrefix(c.Path, reserved+"/") {
			return fmt.Errorf("monitoring path cannot shadow %s", reserved)
		}
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	return nil
}
