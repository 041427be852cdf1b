// Package engine runs an ACP-compliant agent subprocess and exposes its
// conversation stream as typed events.
package engine

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// AgentProcess manages an ACP agent subprocess. It pipes stdin/stdout for
// NDJSON communication.
type AgentProcess struct {
	command   string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	stderr    io.ReadCloser
	startTime time.Time
	mu        sync.Mutex
	stopped   bool
}

// ProcessConfig holds configuration for spawning an agent process.
type ProcessConfig struct {
	// Command is the binary name (e.g., "claude-code-acp").
	Command string
	// Args are additional CLI arguments.
	Args []string
	// Env is extra environment on top of the parent process environment.
	Env []string
	// Dir is the working directory.
	Dir string
}

// StartProcess spawns the agent. The process communicates via NDJSON over
// stdin/stdout.
func StartProcess(cfg ProcessConfig) (*AgentProcess, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	slog.Info("Agent process started", "command", cfg.Command, "pid", cmd.Process.Pid)

	p := &AgentProcess{
		command:   cfg.Command,
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		startTime: time.Now(),
	}
	go p.drainStderr()
	return p, nil
}

// drainStderr logs agent stderr lines so crashes are diagnosable.
func (p *AgentProcess) drainStderr() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		slog.Debug("Agent stderr", "command", p.command, "line", scanner.Text())
	}
}

// Stdin returns the writer to the agent's stdin (for sending NDJSON).
func (p *AgentProcess) Stdin() io.Writer {
	return p.stdin
}

// Stdout returns the reader from the agent's stdout (for reading NDJSON).
func (p *AgentProcess) Stdout() io.Reader {
	return p.stdout
}

// Stop kills the agent process and waits for it to exit.
func (p *AgentProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true

	slog.Info("Stopping agent process", "command", p.command)

	// Close stdin first to signal the agent to exit gracefully
	p.stdin.Close()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}

	// Wait for exit (ignore error since we killed it)
	_ = p.cmd.Wait()

	return nil
}
