package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeCommands struct {
	reinits   int
	newConvs  int
	reinitErr error
}

func (f *fakeCommands) Reinitialize(context.Context) error {
	f.reinits++
	return f.reinitErr
}

func (f *fakeCommands) NewConversation() (string, error) {
	f.newConvs++
	return "conv-2", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCommand(t *testing.T) {
	ctx := context.Background()
	cmds := &fakeCommands{}

	if err := runCommand(ctx, cmds, []byte(" Reinitialize\n"), discardLogger()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if err := runCommand(ctx, cmds, []byte("new_conversation"), discardLogger()); err != nil {
		t.Fatalf("new_conversation: %v", err)
	}
	if cmds.reinits != 1 || cmds.newConvs != 1 {
		t.Errorf("reinits=%d newConvs=%d, want 1/1", cmds.reinits, cmds.newConvs)
	}

	if err := runCommand(ctx, cmds, []byte("reboot"), discardLogger()); err == nil {
		t.Error("unknown command should fail")
	}

	cmds.reinitErr = errors.New("spawn failed")
	if err := runCommand(ctx, cmds, []byte("reinitialize"), discardLogger()); !errors.Is(err, cmds.reinitErr) {
		t.Errorf("error = %v, want wrapped reinit error", err)
	}
}

func TestCommandLimiter(t *testing.T) {
	l := newCommandLimiter(5, time.Second, discardLogger())

	for i := range 5 {
		if !l.allow() {
			t.Errorf("command %d should have been allowed", i)
		}
	}
	if l.allow() {
		t.Error("command 6 should have been rate-limited")
	}
	if dropped := l.dropped.Load(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestCommandLimiter_Concurrent(t *testing.T) {
	l := newCommandLimiter(1000, time.Second, discardLogger())

	done := make(chan struct{})
	for range 10 {
		go func() {
			for range 200 {
				l.allow()
			}
			done <- struct{}{}
		}()
	}
	for range 10 {
		<-done
	}

	if count := l.count.Load(); count != 2000 {
		t.Errorf("count = %d, want 2000", count)
	}
	if dropped := l.dropped.Load(); dropped != 1000 {
		t.Errorf("dropped = %d, want 1000", dropped)
	}
}

func TestOnMessage_IgnoresOtherTopics(t *testing.T) {
	cmds := &fakeCommands{}
	p := New(testConfig(), "id", NewDailyTokens(time.UTC), &fakeStats{}, discardLogger())
	p.SetCommands(cmds)

	p.onMessage(context.Background(), "scagent/plant-a/other", []byte("reinitialize"))
	if cmds.reinits != 0 {
		t.Error("message on another topic ran a command")
	}
}
