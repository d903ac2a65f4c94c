// Package api implements the HTTP API used by the chat front-end.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/nugget/scagent/internal/buildinfo"
	"github.com/nugget/scagent/internal/connwatch"
	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/transcript"
)

// Assistant is the agent behind the API. *assistant.Runtime satisfies
// it.
type Assistant interface {
	Ready() bool
	InitError() error
	Generation() uint64
	ReinitializeIfCurrent(ctx context.Context, failed uint64) error

	Chat(ctx context.Context, message string) (string, error)
	Introduce(ctx context.Context) (string, error)
	NewConversation() (string, error)
	History() (string, []llm.Message, error)
}

// Transcript serves recorded conversations. *transcript.Store
// satisfies it.
type Transcript interface {
	Conversations(ctx context.Context, limit int) ([]transcript.Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]transcript.Entry, error)
}

// ServiceStatus reports dependency health. *connwatch.Manager
// satisfies it.
type ServiceStatus interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config configures a Server.
type Config struct {
	Address        string
	Port           int
	AllowedOrigins []string

	// MaxConnections caps concurrent client connections. Zero means
	// no cap.
	MaxConnections int

	Assistant Assistant

	// Optional.
	Transcript Transcript
	Services   ServiceStatus

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	maxConns   int
	origins    []string
	assistant  Assistant
	transcript Transcript
	services   ServiceStatus
	logger     *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    cfg.Address,
		port:       cfg.Port,
		maxConns:   cfg.MaxConnections,
		origins:    cfg.AllowedOrigins,
		assistant:  cfg.Assistant,
		transcript: cfg.Transcript,
		services:   cfg.Services,
		logger:     logger,
	}
}

// Handler returns the complete HTTP handler: routes, CORS and request
// logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/new", s.handleNewChat)
	mux.HandleFunc("GET /introduction", s.handleIntroduction)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /conversations", s.handleConversationList)
	mux.HandleFunc("GET /conversations/{id}", s.handleConversationGet)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowCredentials: true,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
	})
	return s.withLogging(c.Handler(mux))
}

// Start serves HTTP until the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Minute, // exploration plus tool calls can be slow
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "max_connections", s.maxConns)
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// writeJSON encodes v as the response body. Encode errors usually mean
// the client went away and are only logged.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// errorResponse writes {"detail": message}, the error shape the
// front-end reads.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"detail": message}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Supply Chain AI Assistant API is running",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.RuntimeInfo(), s.logger)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string                             `json:"status"`
	AgentReady bool                               `json:"agent_ready"`
	Error      *string                            `json:"error"`
	Services   map[string]connwatch.ServiceStatus `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:     "initializing",
		AgentReady: s.assistant.Ready(),
	}
	if resp.AgentReady {
		resp.Status = "healthy"
	}
	if err := s.assistant.InitError(); err != nil {
		msg := err.Error()
		resp.Error = &msg
	}
	if s.services != nil {
		resp.Services = s.services.Status()
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
