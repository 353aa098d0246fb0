// Package backend manages MCP tool server connections and the
// tool-running delegate built on top of them.
package backend

import (
	"encoding/json"
	"os"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// ServerConfig describes how to launch one MCP server.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// serversFile is the on-disk mcp_config.json shape, compatible with
// the format used by common MCP hosts.
type serversFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadServers reads server definitions from an mcp_config.json file.
// A missing file yields an empty set, not an error.
func LoadServers(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServerConfig{}, nil
		}
		return nil, apperrors.Wrap(err, apperrors.CodeConfigNotFound,
			"failed to read MCP server config", apperrors.CategorySystem)
	}

	var f serversFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid,
			"failed to parse MCP server config", apperrors.CategoryUser)
	}
	if f.MCPServers == nil {
		f.MCPServers = map[string]ServerConfig{}
	}
	return f.MCPServers, nil
}
