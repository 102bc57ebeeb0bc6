// ABOUTME: CLI-backed implementation of the agent Client over stream-json stdio.
// ABOUTME: Spawns the companion CLI, writes prompt lines, and parses its stdout feed.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientConfig holds settings for spawning the companion CLI.
type ClientConfig struct {
	// Binary is the CLI executable, looked up on PATH if not absolute.
	Binary string
	// WorkDir is the working directory the CLI runs in. Session
	// transcripts are keyed to it.
	WorkDir string
	// PermissionMode is passed through to the CLI (e.g. "bypassPermissions").
	PermissionMode string
	// AllowedTools and DisallowedTools constrain what the agent may invoke.
	AllowedTools    []string
	DisallowedTools []string
	// StopTimeout bounds how long Disconnect waits for the process to exit
	// before killing it. Zero means 5s.
	StopTimeout time.Duration
}

// CLIClient drives the companion CLI as a subprocess. Input is one JSON line
// per user message on stdin; output is the stream-json feed on stdout.
type CLIClient struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan Message
	procCtx  context.Context
	cancel   context.CancelFunc
	readDone chan struct{}
}

// NewCLIClient creates an unconnected CLI client.
func NewCLIClient(cfg ClientConfig, logger *slog.Logger) *CLIClient {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &CLIClient{
		cfg:    cfg,
		logger: logger.With("component", "agent-client"),
	}
}

// buildArgs assembles the CLI argument list for a connection.
func (c *CLIClient) buildArgs(sessionID string) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if c.cfg.PermissionMode != "" {
		args = append(args, "--permission-mode", c.cfg.PermissionMode)
	}
	if len(c.cfg.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(c.cfg.AllowedTools, ","))
	}
	if len(c.cfg.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(c.cfg.DisallowedTools, ","))
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}
	return args
}

// Connect spawns the CLI process, resuming sessionID if non-empty, and starts
// the stdout read loop.
func (c *CLIClient) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("agent client already connected")
	}

	// The process must outlive the request that triggered the connect, so
	// its context derives from Background, not from ctx.
	c.procCtx, c.cancel = context.WithCancel(context.Background())

	cmd := exec.CommandContext(c.procCtx, c.cfg.Binary, c.buildArgs(sessionID)...)
	cmd.Dir = c.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.cancel()
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.cancel()
		return fmt.Errorf("opening stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		c.cancel()
		return fmt.Errorf("starting agent CLI: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.messages = make(chan Message, 64)
	c.readDone = make(chan struct{})

	go c.readLoop(stdout)

	desc := "new session"
	if sessionID != "" {
		desc = "resuming " + abbrev(sessionID)
	}
	c.logger.Info("agent CLI connected", "pid", cmd.Process.Pid, "session", desc)
	return nil
}

// readLoop parses stdout lines into typed messages until EOF.
func (c *CLIClient) readLoop(stdout io.Reader) {
	defer close(c.readDone)
	defer close(c.messages)

	scanner := bufio.NewScanner(stdout)
	// Tool results can carry large payloads on a single line.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := DecodeMessage(line)
		if err != nil {
			c.logger.Warn("skipping malformed agent message", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.procCtx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && c.procCtx.Err() == nil {
		c.logger.Error("agent stdout read failed", "error", err)
	}
}

// userEnvelope is the stdin line format for a user message.
type userEnvelope struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Query writes one user message line to the CLI's stdin.
func (c *CLIClient) Query(ctx context.Context, prompt Prompt, sessionID string) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		return ErrNotConnected
	}

	content, err := prompt.content()
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}

	env := userEnvelope{Type: "user", SessionID: sessionID}
	env.Message.Role = "user"
	env.Message.Content = content

	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	line = append(line, '\n')

	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("writing to agent CLI: %w", err)
	}
	return nil
}

// Stream returns the connection's message feed. Nil if never connected.
func (c *CLIClient) Stream() <-chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages
}

// controlRequest is the stdin line format for control operations.
type controlRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`
	} `json:"request"`
}

// Interrupt asks the CLI to cancel the in-flight generation. The session and
// process survive; the acknowledgement arrives on the stream as a
// control_response and is dropped by the decoder.
func (c *CLIClient) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()

	if stdin == nil {
		return ErrNotConnected
	}

	req := controlRequest{Type: "control_request", RequestID: uuid.New().String()}
	req.Request.Subtype = "interrupt"

	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding interrupt request: %w", err)
	}
	line = append(line, '\n')

	if _, err := stdin.Write(line); err != nil {
		return fmt.Errorf("writing interrupt to agent CLI: %w", err)
	}
	c.logger.Info("interrupt sent")
	return nil
}

// Disconnect closes stdin and waits for the process to exit, killing it after
// StopTimeout. When the connection's parent context was canceled (process
// shutdown racing the close), the error wraps context.Canceled so callers can
// classify and swallow it.
func (c *CLIClient) Disconnect() error {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	cancel := c.cancel
	procCtx := c.procCtx
	readDone := c.readDone
	c.cmd = nil
	c.stdin = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}

	// Cancellation that predates this call is the shutdown race. The
	// cancel below, used to kill a hung process, is not.
	preCanceled := procCtx != nil && procCtx.Err() != nil

	if stdin != nil {
		_ = stdin.Close()
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	killed := false
	select {
	case err = <-waitErr:
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Warn("agent CLI did not exit, killing", "pid", cmd.Process.Pid)
		killed = true
		cancel()
		err = <-waitErr
	}

	cancel()
	if readDone != nil {
		<-readDone
	}

	if cerr := classifyExitError(err, killed, preCanceled, c.cfg.StopTimeout); cerr != nil {
		return cerr
	}

	c.logger.Info("agent CLI disconnected")
	return nil
}

// classifyExitError maps the process wait error to what Disconnect reports.
// Only the pre-existing cancellation maps to context.Canceled, so callers can
// swallow the benign shutdown race; a kill after the stop timeout is a real
// failure and stays distinguishable from it.
func classifyExitError(err error, killed, preCanceled bool, stopTimeout time.Duration) error {
	if err == nil {
		return nil
	}
	if killed {
		return fmt.Errorf("agent CLI killed after %s stop timeout: %w", stopTimeout, err)
	}
	if preCanceled {
		// The exec context was torn down underneath the wait; the
		// non-zero exit is an artifact of the cancellation.
		return fmt.Errorf("agent CLI closed during shutdown: %w", context.Canceled)
	}
	return fmt.Errorf("agent CLI exit: %w", err)
}

// abbrev shortens a session id for log output.
func abbrev(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8] + "..."
}
