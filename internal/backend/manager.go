package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// ToolInfo is one callable tool exposed by a connected server.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Qualified returns the server-qualified tool name.
func (t ToolInfo) Qualified() string {
	return t.Server + "." + t.Name
}

// Manager owns the MCP client sessions for all configured servers.
type Manager struct {
	client         *mcp.Client
	connectTimeout time.Duration
	sessions       map[string]*mcp.ClientSession
	tools          map[string][]ToolInfo
	order          []string
	log            *zap.Logger
}

// NewManager creates a manager with no connections yet.
func NewManager(connectTimeout time.Duration, log *zap.Logger) *Manager {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		client: mcp.NewClient(&mcp.Implementation{
			Name:    "conduit",
			Version: "0.1.0",
		}, nil),
		connectTimeout: connectTimeout,
		sessions:       make(map[string]*mcp.ClientSession),
		tools:          make(map[string][]ToolInfo),
		log:            log,
	}
}

// Connect launches and handshakes every configured server over stdio.
// A server that fails to connect is logged and skipped; the query path
// works with whatever subset came up.
func (m *Manager) Connect(ctx context.Context, servers map[string]ServerConfig) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := m.connectOne(ctx, name, servers[name]); err != nil {
			m.log.Warn("backend unavailable",
				zap.String("server", name), zap.Error(err))
			continue
		}
		m.order = append(m.order, name)
		m.log.Info("backend connected",
			zap.String("server", name),
			zap.Int("tools", len(m.tools[name])))
	}
}

func (m *Manager) connectOne(ctx context.Context, name string, cfg ServerConfig) error {
	if cfg.Command == "" {
		return apperrors.User(apperrors.CodeConfigInvalid,
			fmt.Sprintf("server %q has no command", name))
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	session, err := m.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeBackendUnavailable,
			"MCP handshake failed", apperrors.CategoryTemporary)
	}

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return apperrors.Wrap(err, apperrors.CodeBackendUnavailable,
			"tool listing failed", apperrors.CategoryTemporary)
	}

	infos := make([]ToolInfo, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		infos = append(infos, ToolInfo{
			Server:      name,
			Name:        tool.Name,
			Description: tool.Description,
		})
	}

	m.sessions[name] = session
	m.tools[name] = infos
	return nil
}

// Servers returns connected server names in connection order.
func (m *Manager) Servers() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Tools returns the tool inventory for one server.
func (m *Manager) Tools(server string) []ToolInfo {
	return m.tools[server]
}

// AllTools returns every tool across connected servers.
func (m *Manager) AllTools() []ToolInfo {
	var out []ToolInfo
	for _, name := range m.order {
		out = append(out, m.tools[name]...)
	}
	return out
}

// CallTool invokes one tool and flattens its content to text.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	session, ok := m.sessions[server]
	if !ok {
		return "", apperrors.Permanent(apperrors.CodeBackendUnavailable,
			fmt.Sprintf("server %q not connected", server))
	}

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeBackendCallFailed,
			fmt.Sprintf("%s.%s failed", server, tool), apperrors.CategoryTemporary)
	}

	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := content.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if res.IsError {
		return "", apperrors.Permanent(apperrors.CodeBackendCallFailed,
			fmt.Sprintf("%s.%s returned an error: %s", server, tool, sb.String()))
	}
	return sb.String(), nil
}

// Close shuts down all sessions.
func (m *Manager) Close() {
	for name, session := range m.sessions {
		if err := session.Close(); err != nil {
			m.log.Warn("session close failed",
				zap.String("server", name), zap.Error(err))
		}
	}
	m.sessions = make(map[string]*mcp.ClientSession)
	m.tools = make(map[string][]ToolInfo)
	m.order = nil
}
