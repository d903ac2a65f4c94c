package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// stopGrace is how long Close waits for the child to exit after its
// stdin is closed before killing it.
const stopGrace = 5 * time.Second

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current environment.
	Env []string

	// Dir is the working directory of the subprocess. Empty means the
	// current directory.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. One goroutine reads stdout and routes each response to
// the request waiting for its ID, so a caller that gives up on a
// request leaves the session usable for the next one.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	cmd     *exec.Cmd
	pending map[int64]chan result
	closed  bool
	reason  error
	exited  chan struct{}
}

type result struct {
	resp *Response
	err  error
}

// NewStdioTransport creates a stdio transport for the given config. The
// subprocess is launched by Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan result),
	}
}

// Start launches the subprocess. The child outlives any request
// context and is only stopped by Close or by exiting on its own.
func (t *StdioTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return errors.New("transport already started")
	}
	if t.closed {
		return ErrSessionClosed
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})

	readDone := make(chan struct{})
	stderrDone := make(chan struct{})
	go func() {
		defer close(readDone)
		t.readLoop(stdout)
	}()
	go func() {
		defer close(stderrDone)
		t.drainStderr(stderr)
	}()
	go func() {
		<-readDone
		<-stderrDone
		err := cmd.Wait()
		t.logger.Info("MCP subprocess exited", "pid", cmd.Process.Pid, "error", err)
		close(t.exited)
	}()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// drainStderr logs the child's stderr; it is not part of the protocol.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop routes every line from stdout until the pipe fails, then
// fails all waiting requests with ErrSessionClosed.
func (t *StdioTransport) readLoop(r io.Reader) {
	reader := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.fail(fmt.Errorf("%w: subprocess closed stdout", ErrSessionClosed))
			} else {
				t.fail(fmt.Errorf("%w: read from subprocess stdout: %v", ErrSessionClosed, err))
			}
			return
		}
	}
}

// dispatch handles one inbound line.
func (t *StdioTransport) dispatch(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		return
	}

	switch env.kind() {
	case "response":
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Debug("skipping malformed MCP response", "error", err)
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !ok {
			t.logger.Debug("skipping unmatched MCP response", "id", resp.ID)
			return
		}
		ch <- result{resp: &resp}

	case "request":
		t.answerServerRequest(*env.ID, env.Method)

	case "notification":
		t.logger.Debug("MCP server notification", "method", env.Method)

	default:
		t.logger.Debug("skipping unrecognized MCP message", "line", string(line))
	}
}

// answerServerRequest replies to requests initiated by the server.
// Only ping is supported; everything else gets method-not-found.
func (t *StdioTransport) answerServerRequest(id int64, method string) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: id}
	if method == "ping" {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: "method not found: " + method}
	}
	if err := t.write(resp); err != nil {
		t.logger.Debug("failed to answer MCP server request", "method", method, "error", err)
	}
}

// fail marks the transport closed and releases every waiter.
func (t *StdioTransport) fail(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.reason = reason
	}
	for id, ch := range t.pending {
		ch <- result{err: t.reason}
		delete(t.pending, id)
	}
}

// write encodes v as one line on the child's stdin.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.stdin == nil {
		return ErrSessionClosed
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: write to subprocess stdin: %v", ErrSessionClosed, err)
	}
	return nil
}

// usable returns the error a new call should fail with, if any. Caller
// must hold t.mu.
func (t *StdioTransport) usable() error {
	if t.closed {
		if t.reason != nil {
			return t.reason
		}
		return ErrSessionClosed
	}
	if t.cmd == nil {
		return fmt.Errorf("%w: transport not started", ErrSessionClosed)
	}
	return nil
}

// Send writes a request and waits for its response. Cancelling ctx
// abandons the wait without disturbing the session.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan result, 1)

	t.mu.Lock()
	if err := t.usable(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		return nil, err
	}

	select {
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	case res := <-ch:
		return res.resp, res.err
	}
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notify sends a JSON-RPC notification over stdin.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	err := t.usable()
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.write(notif)
}

// Close stops the subprocess: stdin is closed so the server can exit
// on its own, and it is killed if it has not exited within stopGrace.
// Close is safe to call more than once.
func (t *StdioTransport) Close() error {
	t.fail(fmt.Errorf("%w: closed by client", ErrSessionClosed))

	t.mu.Lock()
	cmd, exited := t.cmd, t.exited
	t.mu.Unlock()
	if cmd == nil {
		return nil
	}

	t.writeMu.Lock()
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	t.writeMu.Unlock()

	select {
	case <-exited:
		return nil
	case <-time.After(stopGrace):
	}

	t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill subprocess: %w", err)
	}
	<-exited
	return nil
}

// Exited returns a channel closed once the subprocess has exited.
// It is nil before Start.
func (t *StdioTransport) Exited() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exited
}
