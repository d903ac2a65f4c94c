package assistant

import (
	"context"

	"github.com/nugget/scagent/internal/llm"
)

// TokenObserver receives token counts from every successful model
// call.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// meteredModel reports token usage of the wrapped client.
type meteredModel struct {
	llm.Client
	observer TokenObserver
}

func (m *meteredModel) Chat(ctx context.Context, messages []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	resp, err := m.Client.Chat(ctx, messages, toolDefs)
	if err == nil {
		m.observer.OnTokens(resp.InputTokens, resp.OutputTokens)
	}
	return resp, err
}
