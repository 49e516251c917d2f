package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// StdioTransport runs an MCP server as a subprocess and exchanges
// newline-framed JSON messages over its standard streams. The address
// names the command line to spawn: "stdio://my-server --flag".
//
// Stderr of the subprocess is drained to the logger so a chatty server
// cannot block on a full pipe. Disconnect escalates: stdin is closed
// first, then the process is terminated, then killed, each step with its
// own short deadline.
type StdioTransport struct {
	config ConnectionConfig
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	writeMu sync.Mutex

	lines    chan stdioLine
	waitDone chan struct{}
}

type stdioLine struct {
	text string
	err  error
}

const (
	stdioGracefulWait  = time.Second
	stdioTerminateWait = time.Second
)

// NewStdioTransport creates a stdio transport with the given config. The
// subprocess is not spawned until Connect is called.
func NewStdioTransport(config ConnectionConfig) *StdioTransport {
	return &StdioTransport{
		config: config.withDefaults(),
		logger: slog.Default(),
	}
}

// Connect spawns the command named by the address with piped stdin,
// stdout, and stderr, and starts draining its output.
func (t *StdioTransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	commandLine := strings.TrimPrefix(address, "stdio://")
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return &ConnectionError{Address: address, Err: errors.New("empty command")}
	}

	cmd := exec.Command(fields[0], fields[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Address: address, Err: fmt.Errorf("failed to open stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ConnectionError{Address: address, Err: fmt.Errorf("failed to open stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ConnectionError{Address: address, Err: fmt.Errorf("failed to open stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &ConnectionError{Address: address, Err: fmt.Errorf("failed to start process: %w", err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan stdioLine, 8)
	t.waitDone = make(chan struct{})
	t.connected = true

	go t.readLines(stdout)
	go t.drainStderr(stderr)
	go func() {
		if err := cmd.Wait(); err != nil {
			t.logger.Debug("process exited", "err", err)
		}
		close(t.waitDone)
	}()

	t.logger.Debug("connected to process", "command", commandLine)
	return nil
}

// Send writes one JSON document followed by a newline to the subprocess
// stdin. Writes are serialized so concurrent senders cannot interleave
// frames.
func (t *StdioTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return &ConnectionError{Err: errors.New("not connected")}
	}
	stdin := t.stdin
	t.mu.Unlock()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	msgBs = append(msgBs, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := stdin.Write(msgBs); err != nil {
		return &ConnectionError{Err: fmt.Errorf("send failed: %w", err)}
	}
	return nil
}

// Receive reads one newline-terminated line from the subprocess stdout
// and parses it as a message. EOF surfaces as *ConnectionError; a line
// that is not valid JSON surfaces as *ConnectionError carrying the parse
// error; waiting longer than the configured timeout surfaces as
// *TimeoutError.
func (t *StdioTransport) Receive(ctx context.Context) (Message, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return Message{}, &ConnectionError{Err: errors.New("not connected")}
	}
	lines := t.lines
	t.mu.Unlock()

	timer := time.NewTimer(t.config.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, &TimeoutError{Op: "receive", Timeout: t.config.Timeout.String()}
	case line, ok := <-lines:
		if !ok {
			return Message{}, &ConnectionError{Err: errors.New("process closed stdout")}
		}
		if line.err != nil {
			return Message{}, &ConnectionError{Err: line.err}
		}

		var msg Message
		if err := json.Unmarshal([]byte(line.text), &msg); err != nil {
			return Message{}, &ConnectionError{Err: fmt.Errorf("invalid JSON received: %w", err)}
		}
		return msg, nil
	}
}

// Ping reports whether the subprocess is still running.
func (t *StdioTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	connected := t.connected
	waitDone := t.waitDone
	t.mu.Unlock()

	if !connected {
		return &ConnectionError{Err: errors.New("not connected")}
	}
	select {
	case <-waitDone:
		return &ConnectionError{Err: errors.New("process has terminated")}
	default:
		return nil
	}
}

// Disconnect closes stdin and waits briefly for the process to exit on
// its own, escalating to SIGTERM and finally SIGKILL. Safe to call more
// than once.
func (t *StdioTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	if err := t.stdin.Close(); err != nil {
		t.logger.Debug("failed to close stdin", "err", err)
	}

	// Closing stdin is the shutdown signal for a well-behaved server;
	// give it a moment before escalating.
	if t.waitExit(stdioGracefulWait) {
		return nil
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.logger.Debug("failed to terminate process", "err", err)
	}
	if t.waitExit(stdioTerminateWait) {
		return nil
	}

	t.logger.Warn("process did not terminate gracefully, killing")
	if err := t.cmd.Process.Kill(); err != nil {
		return &ConnectionError{Err: fmt.Errorf("failed to kill process: %w", err)}
	}
	<-t.waitDone
	return nil
}

func (t *StdioTransport) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.waitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (t *StdioTransport) readLines(stdout io.Reader) {
	defer close(t.lines)

	// bufio.Reader instead of bufio.Scanner to avoid max token size errors
	// on large payloads.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.lines <- stdioLine{err: err}
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		t.lines <- stdioLine{text: line}
	}
}

func (t *StdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		t.logger.Debug("process stderr", "line", scanner.Text())
	}
}
