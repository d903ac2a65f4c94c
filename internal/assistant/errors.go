package assistant

import (
	"errors"
	"strings"

	"github.com/nugget/scagent/internal/mcp"
)

// ErrNotReady is returned by conversation methods while the runtime
// has no executor.
var ErrNotReady = errors.New("agent not ready")

// Stage names the initialization step that failed.
type Stage string

// Initialization stages, in order.
const (
	StageCredential Stage = "credential"
	StageConnect    Stage = "connect"
	StageTools      Stage = "tools"
	StageModel      Stage = "model"
)

// InitError records why the last initialization failed.
type InitError struct {
	Stage Stage
	Err   error
}

func (e *InitError) Error() string {
	return "Error initializing agent: " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// IsSessionClosed reports whether err means the tool server session is
// gone and a reinitialization may help. Errors from the MCP stack are
// matched structurally; anything else falls back to looking for
// "closed" in the message.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mcp.ErrSessionClosed) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "closed")
}
