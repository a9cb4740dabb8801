package mcp

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/agor/agor/pkg/api/v1"
)

// catalogFile is the on-disk shape of the global server catalog
// (mcp_servers.yaml).
type catalogFile struct {
	Servers map[string]catalogServer `yaml:"servers"`
}

type catalogServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio when command set, http otherwise
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

// LoadCatalog reads the global MCP catalog. A missing file is an empty
// catalog, not an error; daemons without one simply run vendor-native
// tools only.
func LoadCatalog(path string) ([]v1.MCPServer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mcp catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	servers := make([]v1.MCPServer, 0, len(file.Servers))
	for id, entry := range file.Servers {
		server := v1.MCPServer{
			ID:      id,
			Name:    entry.Name,
			Command: entry.Command,
			Args:    entry.Args,
			Env:     entry.Env,
			URL:     entry.URL,
			Headers: entry.Headers,
			Scope:   "global",
		}
		if server.Name == "" {
			server.Name = id
		}
		switch {
		case entry.Transport != "":
			server.Transport = v1.MCPTransport(entry.Transport)
		case entry.Command != "":
			server.Transport = v1.MCPTransportStdio
		case entry.URL != "":
			server.Transport = v1.MCPTransportHTTP
		default:
			return nil, fmt.Errorf("mcp catalog server %s: neither command nor url set", id)
		}
		servers = append(servers, server)
	}
	return servers, nil
}
