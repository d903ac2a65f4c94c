package tools

import "fmt"

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry. The model asked for something that
// does not exist; the agent reports it back rather than aborting.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrToolFailed is returned when a tool ran but reported a failure of
// its own, such as a bad query against the dataset. The session that
// served it is still healthy.
type ErrToolFailed struct {
	ToolName string
	Message  string
}

// Error implements the error interface.
func (e *ErrToolFailed) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.ToolName, e.Message)
}
