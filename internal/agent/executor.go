package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/prompts"
	"github.com/nugget/scagent/internal/tools"
)

// Recorder receives messages as they are committed to a conversation.
// The first batch of a conversation starts with its system prompt.
type Recorder interface {
	Record(ctx context.Context, conversationID string, msgs []llm.Message) error
}

// Runner runs the agent over a thread. *Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, thread []llm.Message) (*Result, error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Runner       Runner
	SystemPrompt string

	// Recorder is optional.
	Recorder Recorder

	Logger *slog.Logger
}

// Executor holds one conversation with the agent. Turns are serialized
// and atomic: a turn's messages join the thread only if the whole turn
// succeeds.
type Executor struct {
	runner       Runner
	systemPrompt string
	recorder     Recorder
	logger       *slog.Logger

	mu             sync.Mutex
	thread         []llm.Message
	explored       bool
	conversationID string
	recorded       int // thread prefix already handed to the recorder
}

// NewExecutor creates an executor with a fresh conversation.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		runner:       cfg.Runner,
		systemPrompt: cfg.SystemPrompt,
		recorder:     cfg.Recorder,
		logger:       logger,
	}
	e.StartChat()
	return e
}

// StartChat begins a new conversation: the thread is reset to the
// system prompt alone and the dataset will be explored again.
func (e *Executor) StartChat() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.thread = []llm.Message{{Role: llm.RoleSystem, Content: e.systemPrompt}}
	e.explored = false
	e.recorded = 0
	e.conversationID = newConversationID()

	e.logger.Info("conversation started", "conversation", e.conversationID)
}

// AutoExploreData runs the exploration turn once per conversation.
func (e *Executor) AutoExploreData(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exploreLocked(ctx)
}

// Chat answers question within the current conversation, exploring
// the dataset first if that has not happened yet.
func (e *Executor) Chat(ctx context.Context, question string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.exploreLocked(ctx); err != nil {
		return "", err
	}
	return e.turnLocked(ctx, question)
}

// IntroduceYourself asks the agent to introduce itself.
func (e *Executor) IntroduceYourself(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.exploreLocked(ctx); err != nil {
		return "", err
	}
	return e.turnLocked(ctx, prompts.IntroductionRequest)
}

// History returns a copy of the current thread.
func (e *Executor) History() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.thread)
}

// ConversationID returns the ID of the current conversation.
func (e *Executor) ConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conversationID
}

// Explored reports whether the current conversation has been explored.
func (e *Executor) Explored() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.explored
}

// exploreLocked runs the exploration turn if it has not run. Caller
// must hold e.mu.
func (e *Executor) exploreLocked(ctx context.Context) error {
	if e.explored {
		return nil
	}
	e.logger.Info("exploring dataset", "conversation", e.conversationID)
	if _, err := e.turnLocked(ctx, prompts.ExplorationInstruction()); err != nil {
		return fmt.Errorf("dataset exploration: %w", err)
	}
	e.explored = true
	return nil
}

// turnLocked appends a user message, runs the agent and commits the
// turn on success. Caller must hold e.mu.
func (e *Executor) turnLocked(ctx context.Context, text string) (string, error) {
	ctx = tools.WithConversationID(ctx, e.conversationID)
	user := llm.Message{Role: llm.RoleUser, Content: text}

	working := make([]llm.Message, 0, len(e.thread)+1)
	working = append(working, e.thread...)
	working = append(working, user)

	res, err := e.runner.Run(ctx, working)
	if err != nil {
		e.logger.Error("turn failed, thread unchanged",
			"conversation", e.conversationID,
			"thread_len", len(e.thread),
			"error", err,
		)
		return "", err
	}

	e.commitLocked(ctx, append([]llm.Message{user}, res.Messages...))
	return res.Final(), nil
}

// commitLocked appends msgs to the thread and forwards everything not
// yet recorded to the recorder. Caller must hold e.mu.
func (e *Executor) commitLocked(ctx context.Context, msgs []llm.Message) {
	e.thread = append(e.thread, msgs...)

	if e.recorder == nil {
		return
	}
	pending := slices.Clone(e.thread[e.recorded:])
	if err := e.recorder.Record(ctx, e.conversationID, pending); err != nil {
		e.logger.Warn("failed to record conversation turn",
			"conversation", e.conversationID,
			"messages", len(pending),
			"error", err,
		)
		return
	}
	e.recorded = len(e.thread)
}

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
