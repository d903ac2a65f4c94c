package main

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// runAsk handles "scagent ask <question>". It brings up the agent
// without the API server, asks one question (exploring the dataset
// first, as any new conversation does) and prints the answer.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, question string) error {
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("usage: scagent ask <question>")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr so the answer is the only thing on stdout.
	logger := configuredLogger(stderr, cfg)

	rt := newRuntime(cfg, logger)
	if err := rt.Initialize(ctx); err != nil {
		return err
	}
	defer rt.Shutdown()

	answer, err := rt.Chat(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, answer)
	return nil
}
