package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nugget/scagent/internal/assistant"
	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/prompts"
)

// Detail texts the front-end shows verbatim.
const (
	detailInitializing = "Agent is still initializing, please try again in a few seconds"
	detailReconnect    = "MCP connection lost and reconnection failed"
)

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the body of a successful chat.
type ChatResponse struct {
	Response string `json:"response"`
	Status   string `json:"status"`
}

// apiError is a failure with the status code and detail to report.
type apiError struct {
	code   int
	detail string
}

// notReady returns the 503 to report while the agent cannot serve
// requests, or nil when it can.
func (s *Server) notReady() *apiError {
	if s.assistant.Ready() {
		return nil
	}
	if err := s.assistant.InitError(); err != nil {
		return &apiError{http.StatusServiceUnavailable, "Agent initialization failed: " + err.Error()}
	}
	return &apiError{http.StatusServiceUnavailable, detailInitializing}
}

// answer sends message to the agent. A closed MCP session triggers one
// reinitialization and one retry; any failure there is reported as a
// lost connection. Concurrent failures on the same agent share a single
// rebuild.
func (s *Server) answer(ctx context.Context, message string) (string, *apiError) {
	if e := s.notReady(); e != nil {
		return "", e
	}

	gen := s.assistant.Generation()
	reply, err := s.assistant.Chat(ctx, message)
	if err == nil {
		return reply, nil
	}
	s.logger.Error("error processing chat message", "error", err)

	if !assistant.IsSessionClosed(err) {
		return "", &apiError{http.StatusInternalServerError, "Error processing message: " + err.Error()}
	}

	// The agent is shared by every client, so its rebuild must outlive
	// this request. The runtime bounds it with its init timeout.
	s.logger.Warn("MCP session closed, reinitializing agent", "generation", gen)
	if err := s.assistant.ReinitializeIfCurrent(context.WithoutCancel(ctx), gen); err != nil {
		s.logger.Error("reinitialization failed", "error", err)
		return "", &apiError{http.StatusServiceUnavailable, detailReconnect}
	}
	reply, err = s.assistant.Chat(ctx, message)
	if err != nil {
		s.logger.Error("chat retry after reinitialization failed", "error", err)
		return "", &apiError{http.StatusServiceUnavailable, detailReconnect}
	}
	return reply, nil
}

// introduction never fails: while the agent is down, or when it cannot
// introduce itself, a canned text is returned instead.
func (s *Server) introduction(ctx context.Context) string {
	if !s.assistant.Ready() {
		return prompts.InitializingIntroduction
	}
	intro, err := s.assistant.Introduce(ctx)
	if err != nil {
		s.logger.Warn("introduction failed, using fallback", "error", err)
		return prompts.FallbackIntroduction
	}
	return intro
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, "message must not be empty")
		return
	}

	reply, e := s.answer(r.Context(), req.Message)
	if e != nil {
		s.errorResponse(w, e.code, e.detail)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Response: s.format(r, reply),
		Status:   "success",
	}, s.logger)
}

// IntroductionResponse is the body of GET /introduction.
type IntroductionResponse struct {
	Introduction string `json:"introduction"`
}

func (s *Server) handleIntroduction(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, IntroductionResponse{
		Introduction: s.format(r, s.introduction(r.Context())),
	}, s.logger)
}

func (s *Server) handleNewChat(w http.ResponseWriter, _ *http.Request) {
	if e := s.notReady(); e != nil {
		s.errorResponse(w, e.code, e.detail)
		return
	}
	id, err := s.assistant.NewConversation()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Error starting conversation: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"conversation_id": id,
		"status":          "success",
	}, s.logger)
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []llm.Message `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	if e := s.notReady(); e != nil {
		s.errorResponse(w, e.code, e.detail)
		return
	}
	id, msgs, err := s.assistant.History()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ConversationID: id, Messages: msgs}, s.logger)
}
