package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/agor/agor/pkg/api/v1"
)

func server(id string, transport v1.MCPTransport) v1.MCPServer {
	s := v1.MCPServer{ID: id, Name: id, Transport: transport}
	if transport == v1.MCPTransportStdio {
		s.Command = "/usr/local/bin/" + id
	} else {
		s.URL = "https://" + id + ".example.com/mcp"
	}
	return s
}

func TestMerge(t *testing.T) {
	t.Run("session shadows repo shadows global", func(t *testing.T) {
		global := []v1.MCPServer{server("github", v1.MCPTransportHTTP), server("files", v1.MCPTransportStdio)}
		repo := []v1.MCPServer{{ID: "github", Name: "github", Transport: v1.MCPTransportHTTP, URL: "https://repo.example.com/mcp"}}
		session := []v1.MCPServer{{ID: "files", Name: "files", Transport: v1.MCPTransportStdio, Command: "/opt/files"}}

		merged := Merge(global, repo, session)
		require.Len(t, merged, 2)

		byID := map[string]v1.MCPServer{}
		for _, s := range merged {
			byID[s.ID] = s
		}
		assert.Equal(t, "https://repo.example.com/mcp", byID["github"].URL)
		assert.Equal(t, "repo", byID["github"].Scope)
		assert.Equal(t, "/opt/files", byID["files"].Command)
		assert.Equal(t, "session", byID["files"].Scope)
	})

	t.Run("output order is stable", func(t *testing.T) {
		global := []v1.MCPServer{server("zeta", v1.MCPTransportHTTP), server("alpha", v1.MCPTransportHTTP)}
		merged := Merge(global, nil, nil)
		require.Len(t, merged, 2)
		assert.Equal(t, "alpha", merged[0].ID)
		assert.Equal(t, "zeta", merged[1].ID)
	})
}

func TestAllowedToolPrefixes(t *testing.T) {
	servers := []v1.MCPServer{server("github", v1.MCPTransportHTTP), {ID: "files"}}
	assert.Equal(t, []string{"mcp__github", "mcp__files"}, AllowedToolPrefixes(servers))
}

type fakeResolver struct {
	secrets map[string]string
}

func (f *fakeResolver) Reveal(_ context.Context, id string) (string, error) {
	value, ok := f.secrets[id]
	if !ok {
		return "", errors.New("secret not found")
	}
	return value, nil
}

func TestResolveHeaders(t *testing.T) {
	t.Run("replaces secret references and keeps literals", func(t *testing.T) {
		servers := []v1.MCPServer{{
			ID:        "github",
			Transport: v1.MCPTransportHTTP,
			URL:       "https://example.com/mcp",
			Headers: map[string]string{
				"Authorization": "secret://gh-token",
				"X-Client":      "agor",
			},
		}}
		resolver := &fakeResolver{secrets: map[string]string{"gh-token": "Bearer abc123"}}

		resolved, err := ResolveHeaders(context.Background(), servers, resolver)
		require.NoError(t, err)
		assert.Equal(t, "Bearer abc123", resolved[0].Headers["Authorization"])
		assert.Equal(t, "agor", resolved[0].Headers["X-Client"])
		// input untouched
		assert.Equal(t, "secret://gh-token", servers[0].Headers["Authorization"])
	})

	t.Run("unknown secret fails without leaking values", func(t *testing.T) {
		servers := []v1.MCPServer{{
			ID:      "github",
			Headers: map[string]string{"Authorization": "secret://missing"},
		}}
		_, err := ResolveHeaders(context.Background(), servers, &fakeResolver{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing")
	})
}

func TestLoadCatalog(t *testing.T) {
	t.Run("missing file is an empty catalog", func(t *testing.T) {
		servers, err := LoadCatalog(filepath.Join(t.TempDir(), "mcp_servers.yaml"))
		require.NoError(t, err)
		assert.Empty(t, servers)
	})

	t.Run("parses stdio and http entries", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "mcp_servers.yaml")
		yaml := `servers:
  files:
    command: /usr/local/bin/mcp-files
    args: ["--root", "/srv"]
  github:
    name: GitHub
    url: https://api.example.com/mcp
    headers:
      Authorization: secret://gh-token
`
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

		servers, err := LoadCatalog(path)
		require.NoError(t, err)
		require.Len(t, servers, 2)

		byID := map[string]v1.MCPServer{}
		for _, s := range servers {
			byID[s.ID] = s
		}
		assert.Equal(t, v1.MCPTransportStdio, byID["files"].Transport)
		assert.Equal(t, []string{"--root", "/srv"}, byID["files"].Args)
		assert.Equal(t, v1.MCPTransportHTTP, byID["github"].Transport)
		assert.Equal(t, "GitHub", byID["github"].Name)
		assert.Equal(t, "global", byID["github"].Scope)
	})
}

func TestVendorConfigs(t *testing.T) {
	merged := []v1.MCPServer{
		{ID: "files", Name: "files", Transport: v1.MCPTransportStdio, Command: "/opt/files", Args: []string{"-v"}},
		{ID: "github", Name: "github", Transport: v1.MCPTransportHTTP, URL: "https://example.com/mcp", Headers: map[string]string{"Authorization": "Bearer x"}},
	}

	t.Run("claude", func(t *testing.T) {
		config := ToClaudeConfig(merged)
		files := config["files"].(map[string]interface{})
		assert.Equal(t, "stdio", files["type"])
		assert.Equal(t, "/opt/files", files["command"])
		github := config["github"].(map[string]interface{})
		assert.Equal(t, "http", github["type"])
		assert.Equal(t, "https://example.com/mcp", github["url"])
	})

	t.Run("opencode", func(t *testing.T) {
		config := ToOpenCodeConfig(merged)
		files := config["files"].(map[string]interface{})
		assert.Equal(t, "local", files["type"])
		assert.Equal(t, []string{"/opt/files", "-v"}, files["command"])
		github := config["github"].(map[string]interface{})
		assert.Equal(t, "remote", github["type"])
	})

	t.Run("loopback carries the bearer token", func(t *testing.T) {
		lb := Loopback("http://127.0.0.1:8080", "tok-1")
		assert.Equal(t, "http://127.0.0.1:8080/mcp", lb.URL)
		assert.Equal(t, "Bearer tok-1", lb.Headers["Authorization"])
	})
}
