package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrConnect wraps every failure to bring up a session. The manager is
// left disconnected when it is returned.
var ErrConnect = errors.New("mcp connect failed")

// ManagerConfig describes the tool server a Manager launches.
type ManagerConfig struct {
	// Name identifies the server in logs.
	Name string

	// Stdio is the subprocess to run.
	Stdio StdioConfig

	Logger *slog.Logger
}

// Manager owns at most one session with the tool server: the child
// process and the initialized client speaking to it.
type Manager struct {
	name   string
	stdio  StdioConfig
	logger *slog.Logger

	mu        sync.Mutex
	client    *Client
	transport *StdioTransport
}

// NewManager returns a disconnected manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name)

	stdio := cfg.Stdio
	if stdio.Logger == nil {
		stdio.Logger = logger
	}

	return &Manager{
		name:   cfg.Name,
		stdio:  stdio,
		logger: logger,
	}
}

// Connect launches the tool server and performs the MCP handshake.
// Any existing session is torn down first. On failure the child is
// stopped, nothing is retained, and the error matches ErrConnect.
func (m *Manager) Connect(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.logger.Info("replacing existing MCP session")
		m.teardown()
	}

	m.logger.Info("connecting to MCP server", "command", m.stdio.Command)

	transport := NewStdioTransport(m.stdio)
	if err := transport.Start(); err != nil {
		m.logger.Error("MCP server failed to start", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	client := NewClient(m.name, transport, m.logger)
	if err := client.Initialize(ctx); err != nil {
		m.logger.Error("MCP handshake failed, rolling back", "error", err)
		if cerr := transport.Close(); cerr != nil {
			m.logger.Warn("error stopping MCP subprocess after failed handshake", "error", cerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	m.client = client
	m.transport = transport
	m.logger.Info("MCP session established")
	return client, nil
}

// Disconnect tears down the session and stops the child. It is safe to
// call when nothing is connected. Teardown errors are logged, not
// returned.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil && m.transport == nil {
		m.logger.Debug("MCP disconnect requested with no active session")
		return
	}
	m.teardown()
}

// teardown releases the current session. Caller must hold m.mu.
func (m *Manager) teardown() {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.logger.Warn("error closing MCP session", "error", err)
		}
	} else if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Warn("error stopping MCP subprocess", "error", err)
		}
	}
	m.client = nil
	m.transport = nil
	m.logger.Info("MCP session closed")
}

// Session returns the current client, or nil when disconnected.
func (m *Manager) Session() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Connected reports whether a session is held.
func (m *Manager) Connected() bool {
	return m.Session() != nil
}

// Ping probes the current session. It fails with ErrSessionClosed when
// nothing is connected.
func (m *Manager) Ping(ctx context.Context) error {
	client := m.Session()
	if client == nil {
		return fmt.Errorf("%w: not connected", ErrSessionClosed)
	}
	return client.Ping(ctx)
}
