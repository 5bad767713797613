package sandbox

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"syscall"
)

// CommandRunner is the narrow capability the lifecycle manager needs from the
// sandbox runtime. Tests substitute a fake; production uses the local runtime
// binary through os/exec.
type CommandRunner interface {
	// Run executes a command to completion and returns its stdout and stderr.
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
	// Start launches a command without waiting for completion. stdin, when
	// non-empty, is written to the process and closed.
	Start(ctx context.Context, name string, args []string, stdin string) (Handle, error)
}

// Handle controls a spawned sandbox process.
type Handle interface {
	// Output streams the process's combined stdout.
	Output() io.Reader
	// Interrupt delivers SIGINT to the process.
	Interrupt() error
	// Wait blocks until the process exits.
	Wait() error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (ExecRunner) Start(ctx context.Context, name string, args []string, stdin string) (Handle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd, out: out}, nil
}

type execHandle struct {
	cmd *exec.Cmd
	out io.Reader
}

func (h *execHandle) Output() io.Reader { return h.out }

func (h *execHandle) Interrupt() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(syscall.SIGINT)
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }
