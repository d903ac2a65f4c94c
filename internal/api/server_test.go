package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/scagent/internal/connwatch"
	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/mcp"
	"github.com/nugget/scagent/internal/prompts"
	"github.com/nugget/scagent/internal/transcript"
)

type fakeAssistant struct {
	mu sync.Mutex

	ready   bool
	initErr error

	// chatErrs are returned by successive Chat calls before replies
	// start succeeding.
	chatErrs  []error
	reinitErr error
	introErr  error

	gen uint64

	chats   []string
	reinits int
	// failed and reinitCtxErrs record, per reinitialization, the
	// generation reported as failed and the state of its context.
	failed        []uint64
	reinitCtxErrs []error
}

func (f *fakeAssistant) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeAssistant) InitError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeAssistant) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeAssistant) ReinitializeIfCurrent(ctx context.Context, failed uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinits++
	f.failed = append(f.failed, failed)
	f.reinitCtxErrs = append(f.reinitCtxErrs, ctx.Err())
	if f.reinitErr != nil {
		return f.reinitErr
	}
	if failed == f.gen {
		f.gen++
	}
	return nil
}

func (f *fakeAssistant) Chat(_ context.Context, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, message)
	if len(f.chatErrs) > 0 {
		err := f.chatErrs[0]
		f.chatErrs = f.chatErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "**" + message + "**", nil
}

// counts returns the number of Chat and ReinitializeIfCurrent calls so far.
func (f *fakeAssistant) counts() (chats, reinits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chats), f.reinits
}

func (f *fakeAssistant) Introduce(context.Context) (string, error) {
	if f.introErr != nil {
		return "", f.introErr
	}
	return "Hola, soy tu asistente.", nil
}

func (f *fakeAssistant) NewConversation() (string, error) {
	return "conv-2", nil
}

func (f *fakeAssistant) History() (string, []llm.Message, error) {
	return "conv-1", []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "hi"},
	}, nil
}

type fakeTranscript struct{}

func (fakeTranscript) Conversations(_ context.Context, limit int) ([]transcript.Conversation, error) {
	out := []transcript.Conversation{{ID: "a", MessageCount: 3}, {ID: "b", MessageCount: 1}}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (fakeTranscript) Messages(_ context.Context, id string) ([]transcript.Entry, error) {
	if id != "a" {
		return nil, transcript.ErrNotFound
	}
	return []transcript.Entry{{Seq: 0, Role: llm.RoleSystem, Content: "sys"}}, nil
}

type fakeServices map[string]connwatch.ServiceStatus

func (f fakeServices) Status() map[string]connwatch.ServiceStatus { return f }

func newTestServer(t *testing.T, a Assistant) *httptest.Server {
	t.Helper()
	s := NewServer(Config{
		Assistant:      a,
		Transcript:     fakeTranscript{},
		Services:       fakeServices{"mcp": {Name: "mcp", Ready: true}},
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp.StatusCode, out
}

func TestRoot(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})
	code, body := do(t, http.MethodGet, ts.URL+"/", "")
	if code != http.StatusOK || body["message"] != "Supply Chain AI Assistant API is running" {
		t.Errorf("GET / = %d %v", code, body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		assistant *fakeAssistant
		status    string
		errText   any
	}{
		{"ready", &fakeAssistant{ready: true}, "healthy", nil},
		{"initializing", &fakeAssistant{}, "initializing", nil},
		{"failed", &fakeAssistant{initErr: errors.New("Error initializing agent: boom")}, "initializing", "Error initializing agent: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.assistant)
			code, body := do(t, http.MethodGet, ts.URL+"/health", "")
			if code != http.StatusOK {
				t.Fatalf("status code = %d", code)
			}
			if body["status"] != tt.status {
				t.Errorf("status = %v, want %v", body["status"], tt.status)
			}
			if body["agent_ready"] != tt.assistant.ready {
				t.Errorf("agent_ready = %v", body["agent_ready"])
			}
			if body["error"] != tt.errText {
				t.Errorf("error = %v, want %v", body["error"], tt.errText)
			}
			if _, ok := body["services"].(map[string]any)["mcp"]; !ok {
				t.Errorf("services missing mcp: %v", body["services"])
			}
		})
	}
}

func TestChat(t *testing.T) {
	a := &fakeAssistant{ready: true}
	ts := newTestServer(t, a)

	code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"stock?"}`)
	if code != http.StatusOK {
		t.Fatalf("status code = %d, body %v", code, body)
	}
	if body["response"] != "**stock?**" || body["status"] != "success" {
		t.Errorf("body = %v", body)
	}
}

func TestChatHTML(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})
	_, body := do(t, http.MethodPost, ts.URL+"/chat?format=html", `{"message":"stock?"}`)
	resp, _ := body["response"].(string)
	if !strings.Contains(resp, "<strong>stock?</strong>") {
		t.Errorf("response = %q, want rendered HTML", resp)
	}
}

func TestChatBadRequest(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})
	for _, body := range []string{`{"message":"   "}`, `{}`, `not json`} {
		code, out := do(t, http.MethodPost, ts.URL+"/chat", body)
		if code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", body, code)
		}
		if _, ok := out["detail"].(string); !ok {
			t.Errorf("POST %s body = %v, want detail", body, out)
		}
	}
}

func TestChatNotReady(t *testing.T) {
	tests := []struct {
		name      string
		assistant *fakeAssistant
		detail    string
	}{
		{"initializing", &fakeAssistant{}, detailInitializing},
		{"failed", &fakeAssistant{initErr: errors.New("Error initializing agent: no key")}, "Agent initialization failed: Error initializing agent: no key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.assistant)
			code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"hi"}`)
			if code != http.StatusServiceUnavailable {
				t.Errorf("status code = %d, want 503", code)
			}
			if body["detail"] != tt.detail {
				t.Errorf("detail = %v, want %q", body["detail"], tt.detail)
			}
			if chats, _ := tt.assistant.counts(); chats != 0 {
				t.Error("Chat called while not ready")
			}
		})
	}
}

func TestChatRetriesOnceAfterSessionClosed(t *testing.T) {
	a := &fakeAssistant{
		ready:    true,
		chatErrs: []error{fmt.Errorf("model call: %w", mcp.ErrSessionClosed)},
	}
	ts := newTestServer(t, a)

	code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"hi"}`)
	if code != http.StatusOK || body["response"] != "**hi**" {
		t.Fatalf("POST /chat = %d %v", code, body)
	}
	chats, reinits := a.counts()
	if reinits != 1 {
		t.Errorf("reinits = %d, want 1", reinits)
	}
	if chats != 2 {
		t.Errorf("chat calls = %d, want 2", chats)
	}
}

func TestChatReinitializesFailedGeneration(t *testing.T) {
	a := &fakeAssistant{
		ready:    true,
		gen:      4,
		chatErrs: []error{fmt.Errorf("tool execute_python: %w", mcp.ErrSessionClosed)},
	}
	ts := newTestServer(t, a)

	if code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"hi"}`); code != http.StatusOK {
		t.Fatalf("POST /chat = %d %v", code, body)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.failed) != 1 || a.failed[0] != 4 {
		t.Errorf("failed generations = %v, want [4]", a.failed)
	}
}

// The agent is shared, so a client that goes away mid-retry must not
// cancel the rebuild everyone else is waiting on.
func TestAnswerReinitializeOutlivesRequest(t *testing.T) {
	a := &fakeAssistant{
		ready:    true,
		chatErrs: []error{fmt.Errorf("model call: %w", mcp.ErrSessionClosed)},
	}
	s := NewServer(Config{
		Assistant: a,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reply, apiErr := s.answer(ctx, "hi")
	if apiErr != nil {
		t.Fatalf("answer error = %+v", apiErr)
	}
	if reply != "**hi**" {
		t.Errorf("reply = %q", reply)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.reinitCtxErrs) != 1 || a.reinitCtxErrs[0] != nil {
		t.Errorf("reinitialize context errors = %v, want [<nil>]", a.reinitCtxErrs)
	}
}

// gatedAssistant holds the first n chats until all of them have
// arrived, so they run against the same agent.
type gatedAssistant struct {
	*fakeAssistant
	arrived sync.WaitGroup

	gateMu sync.Mutex
	n      int
}

func newGatedAssistant(a *fakeAssistant, n int) *gatedAssistant {
	g := &gatedAssistant{fakeAssistant: a, n: n}
	g.arrived.Add(n)
	return g
}

func (g *gatedAssistant) Chat(ctx context.Context, message string) (string, error) {
	g.gateMu.Lock()
	gated := g.n > 0
	g.n--
	g.gateMu.Unlock()
	if gated {
		g.arrived.Done()
		g.arrived.Wait()
	}
	return g.fakeAssistant.Chat(ctx, message)
}

func TestChatConcurrentSessionLoss(t *testing.T) {
	closed := fmt.Errorf("tool execute_python: %w", mcp.ErrSessionClosed)
	a := &fakeAssistant{ready: true, chatErrs: []error{closed, closed}}
	ts := newTestServer(t, newGatedAssistant(a, 2))

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/chat", strings.NewReader(`{"message":"hi"}`))
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Errorf("request %d: %v", i, err)
				return
			}
			resp.Body.Close()
			codes[i] = resp.StatusCode
		}()
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, code)
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != 1 {
		t.Errorf("generation = %d, want a single rebuild", a.gen)
	}
}

func TestChatReconnectFailures(t *testing.T) {
	closed := errors.New("ClosedResourceError: stream closed")
	tests := []struct {
		name      string
		assistant *fakeAssistant
		chats     int
	}{
		{"reinitialize fails", &fakeAssistant{ready: true, chatErrs: []error{closed}, reinitErr: errors.New("spawn failed")}, 1},
		{"retry fails", &fakeAssistant{ready: true, chatErrs: []error{closed, closed}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.assistant)
			code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"hi"}`)
			if code != http.StatusServiceUnavailable {
				t.Errorf("status code = %d, want 503", code)
			}
			if body["detail"] != detailReconnect {
				t.Errorf("detail = %v", body["detail"])
			}
			chats, reinits := tt.assistant.counts()
			if reinits != 1 {
				t.Errorf("reinits = %d, want exactly 1", reinits)
			}
			if chats != tt.chats {
				t.Errorf("chat calls = %d, want %d", chats, tt.chats)
			}
		})
	}
}

func TestChatOtherErrorIs500(t *testing.T) {
	a := &fakeAssistant{ready: true, chatErrs: []error{errors.New("rate limited")}}
	ts := newTestServer(t, a)

	code, body := do(t, http.MethodPost, ts.URL+"/chat", `{"message":"hi"}`)
	if code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", code)
	}
	if body["detail"] != "Error processing message: rate limited" {
		t.Errorf("detail = %v", body["detail"])
	}
	if _, reinits := a.counts(); reinits != 0 {
		t.Errorf("reinits = %d, want 0", reinits)
	}
}

func TestIntroduction(t *testing.T) {
	tests := []struct {
		name      string
		assistant *fakeAssistant
		want      string
	}{
		{"ready", &fakeAssistant{ready: true}, "Hola, soy tu asistente."},
		{"not ready", &fakeAssistant{}, prompts.InitializingIntroduction},
		{"failed", &fakeAssistant{initErr: errors.New("x")}, prompts.InitializingIntroduction},
		{"introduce error", &fakeAssistant{ready: true, introErr: errors.New("timeout")}, prompts.FallbackIntroduction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.assistant)
			code, body := do(t, http.MethodGet, ts.URL+"/introduction", "")
			if code != http.StatusOK {
				t.Fatalf("status code = %d", code)
			}
			if body["introduction"] != tt.want {
				t.Errorf("introduction = %v, want %q", body["introduction"], tt.want)
			}
		})
	}
}

func TestNewChatAndHistory(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})

	code, body := do(t, http.MethodPost, ts.URL+"/chat/new", "")
	if code != http.StatusOK || body["conversation_id"] != "conv-2" {
		t.Errorf("POST /chat/new = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/history", "")
	if code != http.StatusOK || body["conversation_id"] != "conv-1" {
		t.Fatalf("GET /history = %d %v", code, body)
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("messages = %v, want 2", body["messages"])
	}

	ts = newTestServer(t, &fakeAssistant{})
	if code, _ := do(t, http.MethodPost, ts.URL+"/chat/new", ""); code != http.StatusServiceUnavailable {
		t.Errorf("POST /chat/new while initializing = %d, want 503", code)
	}
}

func TestConversations(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})

	code, body := do(t, http.MethodGet, ts.URL+"/conversations?limit=1", "")
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("GET /conversations = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/conversations/a", "")
	if code != http.StatusOK || body["id"] != "a" {
		t.Errorf("GET /conversations/a = %d %v", code, body)
	}

	code, body = do(t, http.MethodGet, ts.URL+"/conversations/missing", "")
	if code != http.StatusNotFound || body["detail"] != "conversation not found" {
		t.Errorf("GET /conversations/missing = %d %v", code, body)
	}
}

func TestConversationsWithoutStore(t *testing.T) {
	s := NewServer(Config{
		Assistant: &fakeAssistant{ready: true},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if code, _ := do(t, http.MethodGet, ts.URL+"/conversations", ""); code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want caller's ID", got)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}
}

func TestWebSocket(t *testing.T) {
	a := &fakeAssistant{
		ready:    true,
		chatErrs: []error{mcp.ErrSessionClosed},
	}
	ts := newTestServer(t, a)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	exchange := func(req WSRequest) WSResponse {
		t.Helper()
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("write: %v", err)
		}
		var resp WSResponse
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read: %v", err)
		}
		return resp
	}

	resp := exchange(WSRequest{Message: "hi"})
	if resp.Status != "success" || resp.Response != "**hi**" {
		t.Errorf("chat frame = %+v", resp)
	}
	if _, reinits := a.counts(); reinits != 1 {
		t.Errorf("reinits = %d, want 1", reinits)
	}

	resp = exchange(WSRequest{Type: wsTypeIntroduction})
	if resp.Type != wsTypeIntroduction || resp.Response == "" {
		t.Errorf("introduction frame = %+v", resp)
	}

	resp = exchange(WSRequest{Type: wsTypeNewChat})
	if resp.ConversationID != "conv-2" {
		t.Errorf("new_chat frame = %+v", resp)
	}

	resp = exchange(WSRequest{Type: wsTypeChat})
	if resp.Status != "error" || resp.Code != http.StatusBadRequest {
		t.Errorf("empty chat frame = %+v", resp)
	}

	resp = exchange(WSRequest{Type: "bogus"})
	if resp.Type != wsTypeError || resp.Code != http.StatusBadRequest {
		t.Errorf("unknown frame = %+v", resp)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t, &fakeAssistant{ready: true})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestStartShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := NewServer(Config{
		Address:        "127.0.0.1",
		Port:           port,
		MaxConnections: 4,
		Assistant:      &fakeAssistant{ready: true},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET /health = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() = %v, want ErrServerClosed", err)
	}
}
