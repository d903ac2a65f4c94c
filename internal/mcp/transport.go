package mcp

import (
	"context"
	"errors"
)

// ErrSessionClosed reports that the tool-server session is gone: the
// child exited, its pipes broke, or the session was closed locally.
// Callers recover by reconnecting; retrying on the same session fails
// the same way.
var ErrSessionClosed = errors.New("mcp session closed")

// Transport is the interface for MCP server communication.
type Transport interface {
	// Send sends a JSON-RPC request and waits for the matching response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources.
	Close() error
}
