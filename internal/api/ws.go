package api

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Websocket frame types.
const (
	wsTypeChat         = "chat"
	wsTypeIntroduction = "introduction"
	wsTypeNewChat      = "new_chat"
	wsTypeError        = "error"
)

const wsWriteTimeout = 10 * time.Second

// WSRequest is a client frame on /ws. An empty Type means chat.
type WSRequest struct {
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSResponse is a server frame on /ws. Failed requests carry the same
// code and detail the HTTP endpoints would return.
type WSResponse struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	Response       string `json:"response,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Code           int    `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts same-host requests, requests without an Origin
// header, and origins the CORS policy allows.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// handleWebSocket serves chat over a websocket. Frames are handled one
// at a time; the agent serializes turns anyway.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	for {
		var req WSRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
			} else {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		resp := s.handleFrame(r, req)
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Debug("websocket write failed", "error", err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) handleFrame(r *http.Request, req WSRequest) WSResponse {
	ctx := r.Context()
	switch req.Type {
	case "", wsTypeChat:
		if strings.TrimSpace(req.Message) == "" {
			return wsError(wsTypeChat, &apiError{http.StatusBadRequest, "message must not be empty"})
		}
		reply, e := s.answer(ctx, req.Message)
		if e != nil {
			return wsError(wsTypeChat, e)
		}
		return WSResponse{Type: wsTypeChat, Status: "success", Response: s.format(r, reply)}

	case wsTypeIntroduction:
		return WSResponse{Type: wsTypeIntroduction, Status: "success", Response: s.format(r, s.introduction(ctx))}

	case wsTypeNewChat:
		if e := s.notReady(); e != nil {
			return wsError(wsTypeNewChat, e)
		}
		id, err := s.assistant.NewConversation()
		if err != nil {
			return wsError(wsTypeNewChat, &apiError{http.StatusInternalServerError, "Error starting conversation: " + err.Error()})
		}
		return WSResponse{Type: wsTypeNewChat, Status: "success", ConversationID: id}

	default:
		return wsError(wsTypeError, &apiError{http.StatusBadRequest, "unknown frame type: " + req.Type})
	}
}

func wsError(typ string, e *apiError) WSResponse {
	return WSResponse{Type: typ, Status: "error", Code: e.code, Detail: e.detail}
}
