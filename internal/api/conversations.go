package api

import (
	"errors"
	"net/http"

	"github.com/nugget/scagent/internal/transcript"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}
	limit := parseIntParam(r, "limit", 50)

	convs, err := s.transcript.Conversations(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []transcript.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.transcript == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "transcript store not configured")
		return
	}
	id := r.PathValue("id")

	entries, err := s.transcript.Messages(r.Context(), id)
	if errors.Is(err, transcript.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to load conversation", "conversation", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"messages": entries,
	}, s.logger)
}
