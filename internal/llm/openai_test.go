package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(Config{
		Provider: ProviderGroq,
		BaseURL:  srv.URL + "/",
		APIKey:   "gsk-test",
		Model:    "openai/gpt-oss-120b",
	})
}

func TestOpenAIClient_ChatRequestShape(t *testing.T) {
	var body map[string]any
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gsk-test" {
			t.Errorf("Authorization = %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		io.WriteString(w, `{"model":"openai/gpt-oss-120b","choices":[{"message":{"role":"assistant","content":"hola"},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	})

	tools := []map[string]any{{
		"type":     "function",
		"function": map[string]any{"name": "get_data_info", "parameters": map[string]any{"type": "object"}},
	}}
	resp, err := client.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if body["model"] != "openai/gpt-oss-120b" {
		t.Errorf("model = %v", body["model"])
	}
	if temp, ok := body["temperature"]; !ok || temp != 0.0 {
		t.Errorf("temperature = %v (present %v), want explicit 0", temp, ok)
	}
	if body["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", body["tool_choice"])
	}
	if n := len(body["tools"].([]any)); n != 1 {
		t.Errorf("tools = %d, want 1", n)
	}

	if resp.Message.Content != "hola" || resp.Message.Role != RoleAssistant {
		t.Errorf("message = %+v", resp.Message)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 3 || resp.FinishReason != "stop" {
		t.Errorf("usage = %d/%d finish=%q", resp.InputTokens, resp.OutputTokens, resp.FinishReason)
	}
}

func TestOpenAIClient_ChatOmitsToolChoiceWithoutTools(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if strings.Contains(string(data), "tool_choice") {
			t.Errorf("tool_choice sent without tools: %s", data)
		}
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	if _, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestOpenAIClient_ChatToolCalls(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"execute_python","arguments":"{\"code\":\"df.head()\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_data_info","arguments":""}},
			{"id":"call_3","type":"function","function":{"name":"broken","arguments":"{not json"}}
		]},"finish_reason":"tool_calls"}]}`)
	})

	resp, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	calls := resp.Message.ToolCalls
	if len(calls) != 3 {
		t.Fatalf("tool calls = %d, want 3", len(calls))
	}
	if calls[0].ID != "call_1" || calls[0].Function.Arguments["code"] != "df.head()" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Function.Arguments == nil || len(calls[1].Function.Arguments) != 0 {
		t.Errorf("call 1 args = %v, want empty map", calls[1].Function.Arguments)
	}
	if calls[2].Function.Arguments["_raw"] != "{not json" {
		t.Errorf("call 2 args = %v, want _raw", calls[2].Function.Arguments)
	}
	if resp.Message.Content != "" {
		t.Errorf("content = %q, want empty", resp.Message.Content)
	}
}

func TestOpenAIClient_ChatAPIError(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"bad tool schema"}}`)
	})

	_, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "x"}}, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Chat error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Body, "bad tool schema") {
		t.Errorf("APIError = %+v", apiErr)
	}
	if apiErr.Provider != ProviderGroq {
		t.Errorf("Provider = %q", apiErr.Provider)
	}
}

func TestOpenAIClient_Ping(t *testing.T) {
	status := http.StatusOK
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(status)
		io.WriteString(w, `{"data":[]}`)
	})

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	status = http.StatusUnauthorized
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Ping with 401 should fail")
	}
}

func TestConvertToOpenAI(t *testing.T) {
	msgs := convertToOpenAI([]Message{
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Function: FunctionCall{Name: "q", Arguments: map[string]any{"n": 1}}}}},
		{Role: RoleTool, Content: "result", ToolCallID: "c1"},
		{Role: RoleUser, Content: ""},
	})

	if msgs[0].Content != nil {
		t.Errorf("assistant tool-call content = %q, want null", *msgs[0].Content)
	}
	if msgs[0].ToolCalls[0].Function.Arguments != `{"n":1}` {
		t.Errorf("arguments = %q", msgs[0].ToolCalls[0].Function.Arguments)
	}
	if msgs[0].ToolCalls[0].Type != "function" {
		t.Errorf("type = %q", msgs[0].ToolCalls[0].Type)
	}
	if msgs[1].ToolCallID != "c1" || *msgs[1].Content != "result" {
		t.Errorf("tool message = %+v", msgs[1])
	}
	if msgs[2].Content == nil {
		t.Error("empty user content should still be sent")
	}
}
