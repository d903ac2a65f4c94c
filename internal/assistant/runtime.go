package assistant

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/scagent/internal/agent"
	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/mcp"
	"github.com/nugget/scagent/internal/tools"
)

// Connector establishes and tears down the tool server session.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
	Disconnect()
	Ping(ctx context.Context) error
}

// NewManagerConnector adapts m to a Connector.
func NewManagerConnector(m *mcp.Manager) Connector {
	return managerConnector{m: m}
}

type managerConnector struct {
	m *mcp.Manager
}

func (c managerConnector) Connect(ctx context.Context) (Session, error) {
	client, err := c.m.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c managerConnector) Disconnect()                    { c.m.Disconnect() }
func (c managerConnector) Ping(ctx context.Context) error { return c.m.Ping(ctx) }

// Config configures a Runtime.
type Config struct {
	Connector Connector

	// Model is the binding handed to NewModel. A blank APIKey fails
	// initialization at the credential stage.
	Model    llm.Config
	NewModel func(llm.Config) (llm.Client, error) // defaults to llm.New

	MaxCycles   int
	SchemaURI   string
	PromptName  string
	InitTimeout time.Duration

	// Optional.
	Recorder agent.Recorder
	Tokens   TokenObserver
	Tracer   trace.Tracer

	Logger *slog.Logger
}

// Runtime holds the current agent and knows how to rebuild it.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	initMu sync.Mutex // serializes Initialize and Shutdown

	mu          sync.RWMutex
	executor    *agent.Executor
	generation  uint64 // bumped each time an executor is installed
	model       llm.Client
	toolCount   int
	initErr     error
	lastRequest time.Time
}

// New returns a runtime that is not ready until Initialize succeeds.
func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NewModel == nil {
		cfg.NewModel = llm.New
	}
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Initialize builds a fresh agent, replacing any existing one. On
// failure the session is disconnected, the runtime is left not ready
// and the returned *InitError is kept for InitError.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()
	return r.initialize(ctx)
}

func (r *Runtime) initialize(ctx context.Context) error {
	start := time.Now()
	r.logger.Info("initializing agent")

	r.mu.Lock()
	r.executor = nil
	r.model = nil
	r.toolCount = 0
	r.mu.Unlock()
	r.cfg.Connector.Disconnect()

	if r.cfg.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.InitTimeout)
		defer cancel()
	}

	exec, model, n, err := r.build(ctx)
	if err != nil {
		r.cfg.Connector.Disconnect()

		r.mu.Lock()
		r.initErr = err
		r.mu.Unlock()

		var ie *InitError
		stage := Stage("")
		if errors.As(err, &ie) {
			stage = ie.Stage
		}
		r.logger.Error("agent initialization failed", "stage", stage, "error", err)
		return err
	}

	r.mu.Lock()
	r.executor = exec
	r.generation++
	r.model = model
	r.toolCount = n
	r.initErr = nil
	r.mu.Unlock()

	r.logger.Info("agent initialized",
		"tools", n,
		"model", model.Model(),
		"conversation", exec.ConversationID(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

// Reinitialize rebuilds the agent after the session was lost. The
// current conversation is discarded.
func (r *Runtime) Reinitialize(ctx context.Context) error {
	r.logger.Warn("reinitializing agent")
	return r.Initialize(ctx)
}

// ReinitializeIfCurrent rebuilds the agent only if failed, a value
// returned by Generation, still names the installed agent. When another
// caller has already replaced it with a ready agent this returns nil
// without touching the session, so callers can retry straight away.
func (r *Runtime) ReinitializeIfCurrent(ctx context.Context, failed uint64) error {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.RLock()
	gen, ready := r.generation, r.executor != nil
	r.mu.RUnlock()
	if ready && gen != failed {
		r.logger.Debug("agent already reinitialized", "failed", failed, "generation", gen)
		return nil
	}

	r.logger.Warn("reinitializing agent", "generation", gen)
	return r.initialize(ctx)
}

// Generation identifies the installed agent. It changes every time a
// new agent is built.
func (r *Runtime) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// build runs the initialization stages in order.
func (r *Runtime) build(ctx context.Context) (*agent.Executor, llm.Client, int, error) {
	if strings.TrimSpace(r.cfg.Model.APIKey) == "" {
		return nil, nil, 0, &InitError{Stage: StageCredential, Err: errors.New("API key not found")}
	}

	session, err := r.cfg.Connector.Connect(ctx)
	if err != nil {
		return nil, nil, 0, &InitError{Stage: StageConnect, Err: err}
	}

	registry := tools.NewRegistry()
	n, err := mcp.BridgeTools(ctx, session, registry, r.logger)
	if err != nil {
		return nil, nil, 0, &InitError{Stage: StageTools, Err: err}
	}
	r.logger.Info("tools loaded", "count", n, "names", registry.Names())

	systemPrompt := loadSystemPrompt(ctx, session, r.cfg.SchemaURI, r.cfg.PromptName, r.logger)

	mcfg := r.cfg.Model
	if mcfg.Logger == nil {
		mcfg.Logger = r.logger
	}
	model, err := r.cfg.NewModel(mcfg)
	if err != nil {
		return nil, nil, 0, &InitError{Stage: StageModel, Err: err}
	}
	if r.cfg.Tokens != nil {
		model = &meteredModel{Client: model, observer: r.cfg.Tokens}
	}
	r.logger.Info("model bound", "model", model.Model(), "provider", mcfg.Provider)

	loop := agent.NewLoop(agent.LoopConfig{
		LLM:       model,
		Tools:     registry,
		MaxCycles: r.cfg.MaxCycles,
		Logger:    r.logger,
		Tracer:    r.cfg.Tracer,
	})
	exec := agent.NewExecutor(agent.ExecutorConfig{
		Runner:       loop,
		SystemPrompt: systemPrompt,
		Recorder:     r.cfg.Recorder,
		Logger:       r.logger,
	})
	return exec, model, n, nil
}

// Shutdown disconnects the session and leaves the runtime not ready.
func (r *Runtime) Shutdown() {
	r.initMu.Lock()
	defer r.initMu.Unlock()

	r.mu.Lock()
	r.executor = nil
	r.model = nil
	r.toolCount = 0
	r.mu.Unlock()

	r.cfg.Connector.Disconnect()
	r.logger.Info("agent shut down")
}

// Ready reports whether an executor is available.
func (r *Runtime) Ready() bool {
	return r.current() != nil
}

// InitError returns the error of the last failed initialization, or
// nil if the last attempt succeeded or none has finished yet.
func (r *Runtime) InitError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initErr
}

// Executor returns the current executor, or nil when not ready.
func (r *Runtime) Executor() *agent.Executor {
	return r.current()
}

func (r *Runtime) current() *agent.Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executor
}

// Chat answers message in the current conversation.
func (r *Runtime) Chat(ctx context.Context, message string) (string, error) {
	exec := r.current()
	if exec == nil {
		return "", ErrNotReady
	}
	defer r.touch()
	return exec.Chat(ctx, message)
}

// Introduce asks the agent to introduce itself.
func (r *Runtime) Introduce(ctx context.Context) (string, error) {
	exec := r.current()
	if exec == nil {
		return "", ErrNotReady
	}
	defer r.touch()
	return exec.IntroduceYourself(ctx)
}

// NewConversation starts a new conversation and returns its ID.
func (r *Runtime) NewConversation() (string, error) {
	exec := r.current()
	if exec == nil {
		return "", ErrNotReady
	}
	exec.StartChat()
	return exec.ConversationID(), nil
}

// History returns the current conversation ID and thread.
func (r *Runtime) History() (string, []llm.Message, error) {
	exec := r.current()
	if exec == nil {
		return "", nil, ErrNotReady
	}
	return exec.ConversationID(), exec.History(), nil
}

// ConversationID returns the current conversation ID, or "" when not
// ready.
func (r *Runtime) ConversationID() string {
	if exec := r.current(); exec != nil {
		return exec.ConversationID()
	}
	return ""
}

// Model returns the bound model name, or the configured one when not
// ready.
func (r *Runtime) Model() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.model != nil {
		return r.model.Model()
	}
	return r.cfg.Model.Model
}

// ToolCount returns how many tools the current session exposes.
func (r *Runtime) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.toolCount
}

// LastRequestTime returns when the last chat or introduction finished.
func (r *Runtime) LastRequestTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRequest
}

func (r *Runtime) touch() {
	r.mu.Lock()
	r.lastRequest = time.Now()
	r.mu.Unlock()
}

// PingSession probes the tool server session.
func (r *Runtime) PingSession(ctx context.Context) error {
	return r.cfg.Connector.Ping(ctx)
}

// PingModel probes the model provider.
func (r *Runtime) PingModel(ctx context.Context) error {
	r.mu.RLock()
	model := r.model
	r.mu.RUnlock()
	if model == nil {
		return ErrNotReady
	}
	return model.Ping(ctx)
}
