package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// Command payloads accepted on the command topic.
const (
	CommandReinitialize    = "reinitialize"
	CommandNewConversation = "new_conversation"
)

// Commands is what the command topic drives. The assistant runtime
// satisfies it.
type Commands interface {
	Reinitialize(ctx context.Context) error
	NewConversation() (string, error)
}

// runCommand executes one command payload.
func runCommand(ctx context.Context, cmds Commands, payload []byte, logger *slog.Logger) error {
	cmd := strings.ToLower(strings.TrimSpace(string(payload)))
	switch cmd {
	case CommandReinitialize:
		if err := cmds.Reinitialize(ctx); err != nil {
			return fmt.Errorf("reinitialize: %w", err)
		}
		logger.Info("agent reinitialized by mqtt command")
	case CommandNewConversation:
		id, err := cmds.NewConversation()
		if err != nil {
			return fmt.Errorf("new conversation: %w", err)
		}
		logger.Info("conversation started by mqtt command", "conversation", id)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// commandLimiter caps how many commands are accepted per interval.
// Counters are atomic so the receive path never blocks.
type commandLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandLimiter {
	return &commandLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the window every interval until ctx is cancelled.
func (l *commandLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := l.count.Swap(0)
			if dropped := l.dropped.Swap(0); dropped > 0 {
				l.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", l.interval.String(),
					"limit", l.limit,
				)
			}
		}
	}
}

// allow reports whether another command fits in the current window.
func (l *commandLimiter) allow() bool {
	if l.count.Add(1) > l.limit {
		l.dropped.Add(1)
		return false
	}
	return true
}
