// Package agent implements the tool-calling agent loop and the
// conversation executor that drives it one user turn at a time.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/tools"
)

// DefaultMaxCycles bounds model invocations per turn when the caller
// does not choose a value.
const DefaultMaxCycles = 25

// ErrLoopLimitExceeded is returned when a turn needs more model
// invocations than the loop allows.
var ErrLoopLimitExceeded = errors.New("agent loop limit exceeded")

const tracerName = "github.com/nugget/scagent/internal/agent"

// Toolset is what the loop needs from a tool registry.
type Toolset interface {
	List() []map[string]any
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// phase is a state of the loop.
type phase int

const (
	phaseAskModel phase = iota
	phaseRunTools
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseAskModel:
		return "ask_model"
	case phaseRunTools:
		return "run_tools"
	case phaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	LLM   llm.Client
	Tools Toolset

	// MaxCycles bounds model invocations per Run. Zero means no bound;
	// negative selects DefaultMaxCycles.
	MaxCycles int

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Loop alternates between asking the model and running the tools it
// requests until the model answers without tool calls.
type Loop struct {
	llm       llm.Client
	tools     Toolset
	maxCycles int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg LoopConfig) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	maxCycles := cfg.MaxCycles
	if maxCycles < 0 {
		maxCycles = DefaultMaxCycles
	}
	return &Loop{
		llm:       cfg.LLM,
		tools:     cfg.Tools,
		maxCycles: maxCycles,
		logger:    logger,
		tracer:    tracer,
	}
}

// Result is the outcome of one Run.
type Result struct {
	// Messages are the messages the run appended to the thread, in
	// order. The last one is the model's final answer.
	Messages []llm.Message

	Cycles       int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Final returns the content of the final answer.
func (r *Result) Final() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Run drives thread to a final answer. thread is not modified; the
// messages the run produced are returned in Result.Messages. On error
// no partial result is returned.
func (l *Loop) Run(ctx context.Context, thread []llm.Message) (*Result, error) {
	start := time.Now()
	convID := tools.ConversationIDFromContext(ctx)

	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("conversation.id", convID),
		attribute.Int("thread.length", len(thread)),
		attribute.String("llm.model", l.llm.Model()),
	))
	defer span.End()

	working := slices.Clone(thread)
	res := &Result{}
	var toolDefs []map[string]any
	if l.tools != nil {
		toolDefs = l.tools.List()
	}

	state := phaseAskModel
	for state != phaseDone {
		if err := ctx.Err(); err != nil {
			return nil, l.fail(span, err)
		}

		l.logger.Log(ctx, llm.LevelTrace, "agent loop transition",
			"conversation", convID,
			"state", state.String(),
			"cycle", res.Cycles,
		)

		switch state {
		case phaseAskModel:
			if l.maxCycles > 0 && res.Cycles >= l.maxCycles {
				err := fmt.Errorf("%w: %d model calls without a final answer", ErrLoopLimitExceeded, res.Cycles)
				l.logger.Warn("agent loop limit reached",
					"conversation", convID,
					"cycles", res.Cycles,
					"tool_calls", res.ToolCalls,
				)
				return nil, l.fail(span, err)
			}
			res.Cycles++

			msg, err := l.askModel(ctx, working, toolDefs, res)
			if err != nil {
				return nil, l.fail(span, err)
			}
			working = append(working, msg)
			res.Messages = append(res.Messages, msg)

			if len(msg.ToolCalls) > 0 {
				state = phaseRunTools
			} else {
				state = phaseDone
			}

		case phaseRunTools:
			calls := working[len(working)-1].ToolCalls
			for _, tc := range calls {
				msg, err := l.runTool(ctx, tc)
				if err != nil {
					return nil, l.fail(span, err)
				}
				working = append(working, msg)
				res.Messages = append(res.Messages, msg)
				res.ToolCalls++
			}
			state = phaseAskModel
		}
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("agent.cycles", res.Cycles),
		attribute.Int("agent.tool_calls", res.ToolCalls),
	)
	l.logger.Info("agent loop complete",
		"conversation", convID,
		"cycles", res.Cycles,
		"tool_calls", res.ToolCalls,
		"input_tokens", res.InputTokens,
		"output_tokens", res.OutputTokens,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// askModel invokes the model with the working thread.
func (l *Loop) askModel(ctx context.Context, thread []llm.Message, toolDefs []map[string]any, res *Result) (llm.Message, error) {
	ctx, span := l.tracer.Start(ctx, "agent.ask_model", trace.WithAttributes(
		attribute.Int("agent.cycle", res.Cycles),
		attribute.Int("llm.messages", len(thread)),
	))
	defer span.End()

	resp, err := l.llm.Chat(ctx, thread, toolDefs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Message{}, fmt.Errorf("model call: %w", err)
	}

	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	span.SetAttributes(
		attribute.Int("llm.tool_calls", len(resp.Message.ToolCalls)),
		attribute.Int("llm.input_tokens", resp.InputTokens),
		attribute.Int("llm.output_tokens", resp.OutputTokens),
	)

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	return msg, nil
}

// runTool executes one requested call. Unknown tools and tools that
// report their own failure become an error result the model can read;
// anything else aborts the run.
func (l *Loop) runTool(ctx context.Context, tc llm.ToolCall) (llm.Message, error) {
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", tc.Function.Name),
		attribute.String("tool.call_id", tc.ID),
	))
	defer span.End()

	start := time.Now()
	var (
		out string
		err error
	)
	if l.tools == nil {
		err = &tools.ErrToolUnavailable{ToolName: tc.Function.Name}
	} else {
		out, err = l.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
	}

	msg := llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID}

	var unavailable *tools.ErrToolUnavailable
	var failed *tools.ErrToolFailed
	switch {
	case err == nil:
		msg.Content = out
		l.logger.Debug("tool executed",
			"tool", tc.Function.Name,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"result_len", len(out),
		)
	case errors.As(err, &unavailable), errors.As(err, &failed):
		msg.Content = "error: " + err.Error()
		span.SetAttributes(attribute.Bool("tool.error", true))
		l.logger.Warn("tool returned error to model", "tool", tc.Function.Name, "error", err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return llm.Message{}, fmt.Errorf("tool %s: %w", tc.Function.Name, err)
	}
	return msg, nil
}

func (l *Loop) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
