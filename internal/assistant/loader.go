package assistant

import (
	"context"
	"log/slog"

	"github.com/nugget/scagent/internal/mcp"
	"github.com/nugget/scagent/internal/prompts"
)

// Session is what initialization needs from a live tool server
// session. [*mcp.Client] satisfies it.
type Session interface {
	mcp.ToolSource
	ReadResource(ctx context.Context, uri string) (string, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
}

// loadSystemPrompt reads the dataset schema resource and renders the
// analyst prompt with it. Either fetch may fail; the fixed fallbacks
// keep initialization going.
func loadSystemPrompt(ctx context.Context, s Session, schemaURI, promptName string, logger *slog.Logger) string {
	schema, err := s.ReadResource(ctx, schemaURI)
	if err != nil {
		logger.Warn("error fetching data schema, continuing without it",
			"uri", schemaURI,
			"error", err,
		)
		schema = prompts.NoSchema
	}

	prompt, err := s.GetPrompt(ctx, promptName, map[string]string{"data_schema": schema})
	if err != nil {
		logger.Warn("error fetching system prompt, using default",
			"prompt", promptName,
			"error", err,
		)
		return prompts.DefaultSystemPrompt
	}
	return prompt
}
