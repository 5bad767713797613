// Package sandbox manages per-user isolated coding-agent containers. Each
// user gets exactly one warm container, named deterministically from the user
// id, with the user's namespace directory bind-mounted as the agent home.
package sandbox

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentdeck-backend/types"
)

// Options configures the container manager.
type Options struct {
	// Binary is the runtime CLI ("docker" or a compatible drop-in).
	Binary string
	// Image is the sandbox image.
	Image string
	// Runtime is the low-level container runtime flag value (e.g. "runsc").
	Runtime string
	// Memory and CPUs are resource limits passed to create.
	Memory string
	CPUs   string
	// UsersDir is the namespace root; {UsersDir}/{user} is bind-mounted to /root.
	UsersDir string
	// EnvVars are injected into every container, in addition to IS_SANDBOX=1.
	EnvVars map[string]string

	// MaxRetries bounds retries of transient runtime failures.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
}

// CommandSpec is a fully built command line plus optional stdin.
type CommandSpec struct {
	Args  []string
	Stdin string
}

// Manager drives per-user container lifecycle:
//
//	NotPresent -> Creating -> Created -> Starting -> Running
//
// with Failed reachable from any transition and Stopped from Running. All
// state transitions for one user are serialized by that user's lock; locks
// for unrelated users are independent.
type Manager struct {
	opts   Options
	runner CommandRunner

	mu    sync.Mutex
	users map[string]*userContainer
}

// userContainer is one user's lock-table entry, lazily populated.
type userContainer struct {
	mu      sync.Mutex
	state   atomic.Value // types.ContainerState
	pending chan struct{}
	lastErr error
}

// NewManager creates a Manager using runner for all runtime invocations.
func NewManager(opts Options, runner CommandRunner) *Manager {
	if opts.Binary == "" {
		opts.Binary = "docker"
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = 200 * time.Millisecond
	}
	return &Manager{opts: opts, runner: runner, users: map[string]*userContainer{}}
}

// ContainerName returns the deterministic container name for a user, making
// repeated ensure calls idempotent by construction.
func (m *Manager) ContainerName(userID string) string {
	return "sandbox-" + userID
}

// UserDir returns the namespace directory bind-mounted into the container.
func (m *Manager) UserDir(userID string) string {
	return filepath.Join(m.opts.UsersDir, userID)
}

// BuildCreateCommand builds the argv that creates a user's container. Pure;
// performs no I/O. The container runs `sleep infinity` so exec calls land in
// a warm sandbox.
func (m *Manager) BuildCreateCommand(userID string) []string {
	args := []string{
		m.opts.Binary, "create",
		"--name", m.ContainerName(userID),
		"--runtime=" + m.opts.Runtime,
		"--memory=" + m.opts.Memory,
		"--cpus=" + m.opts.CPUs,
		"-v", m.UserDir(userID) + ":/root",
	}
	keys := make([]string, 0, len(m.opts.EnvVars))
	for k := range m.opts.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+m.opts.EnvVars[k])
	}
	args = append(args, "-e", "IS_SANDBOX=1")
	args = append(args, m.opts.Image, "sleep", "infinity")
	return args
}

// BuildExecCommand builds the argv that runs the agent CLI inside a user's
// container. Pure; performs no I/O.
func (m *Manager) BuildExecCommand(userID string, cliArgs []string, interactive bool) []string {
	args := []string{m.opts.Binary, "exec"}
	if interactive {
		args = append(args, "-i")
	}
	args = append(args, m.ContainerName(userID), "claude", "--dangerously-skip-permissions")
	return append(args, cliArgs...)
}

// BuildSendCommand builds the command that resumes a session with a message.
func (m *Manager) BuildSendCommand(userID, sessionID, message string) CommandSpec {
	return CommandSpec{
		Args:  m.BuildExecCommand(userID, []string{"-p", "--resume", sessionID}, true),
		Stdin: message,
	}
}

// BuildNewSessionCommand builds the command that starts a fresh session.
func (m *Manager) BuildNewSessionCommand(userID, message string) CommandSpec {
	return CommandSpec{
		Args:  m.BuildExecCommand(userID, []string{"-p"}, true),
		Stdin: message,
	}
}

// user returns the lazily-created lock-table entry for userID.
func (m *Manager) user(userID string) *userContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &userContainer{}
		u.state.Store(types.ContainerNotPresent)
		m.users[userID] = u
	}
	return u
}

// Inspect returns the user's cached container state. Read-only, lock-free,
// safe to call concurrently with Ensure.
func (m *Manager) Inspect(userID string) types.ContainerState {
	return m.user(userID).state.Load().(types.ContainerState)
}

// Ensure drives the user's container to Running and is idempotent: already
// Running returns immediately; two concurrent calls produce exactly one
// create/start sequence, with the second caller observing the first's result.
// Cancelling ctx abandons the wait only; the in-flight runtime operation
// completes and its result is cached for the next caller.
func (m *Manager) Ensure(ctx context.Context, userID string) error {
	u := m.user(userID)

	u.mu.Lock()
	if u.state.Load().(types.ContainerState) == types.ContainerRunning {
		u.mu.Unlock()
		return nil
	}
	done := u.pending
	if done == nil {
		done = make(chan struct{})
		u.pending = done
		go func() {
			err := m.reconcile(userID, u)
			u.mu.Lock()
			u.lastErr = err
			u.pending = nil
			u.mu.Unlock()
			close(done)
		}()
	}
	u.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Load().(types.ContainerState) == types.ContainerRunning {
		return nil
	}
	return u.lastErr
}

// reconcile performs one inspect/create/start pass. It deliberately does not
// take a caller context: a caller disconnecting must not abort a create that
// the next caller would then repeat.
func (m *Manager) reconcile(userID string, u *userContainer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	name := m.ContainerName(userID)

	stdout, stderr, err := m.runWithRetry(ctx, userID,
		m.opts.Binary, "inspect", "-f", "{{.State.Running}}", name)
	switch {
	case err == nil && strings.TrimSpace(stdout) == "true":
		u.state.Store(types.ContainerRunning)
		return nil
	case err == nil:
		// Exists but not running.
		u.state.Store(types.ContainerStopped)
	case isNotFound(stderr):
		u.state.Store(types.ContainerNotPresent)
		if err := m.create(ctx, userID, u); err != nil {
			return err
		}
	default:
		u.state.Store(types.ContainerFailed)
		return err
	}

	return m.start(ctx, userID, u)
}

func (m *Manager) create(ctx context.Context, userID string, u *userContainer) error {
	u.state.Store(types.ContainerCreating)
	args := m.BuildCreateCommand(userID)
	if _, stderr, err := m.runWithRetry(ctx, userID, args[0], args[1:]...); err != nil {
		u.state.Store(types.ContainerFailed)
		if cerr, ok := err.(*types.ContainerError); ok {
			return cerr
		}
		return &types.ContainerError{
			Kind: types.ContainerFatal, UserID: userID,
			Detail: "failed to create container: " + strings.TrimSpace(stderr), Err: err,
		}
	}
	u.state.Store(types.ContainerCreated)
	return nil
}

func (m *Manager) start(ctx context.Context, userID string, u *userContainer) error {
	u.state.Store(types.ContainerStarting)
	if _, stderr, err := m.runWithRetry(ctx, userID,
		m.opts.Binary, "start", m.ContainerName(userID)); err != nil {
		u.state.Store(types.ContainerFailed)
		if cerr, ok := err.(*types.ContainerError); ok {
			return cerr
		}
		return &types.ContainerError{
			Kind: types.ContainerFatal, UserID: userID,
			Detail: "failed to start container: " + strings.TrimSpace(stderr), Err: err,
		}
	}
	u.state.Store(types.ContainerRunning)
	log.Printf("sandbox: container %s running", m.ContainerName(userID))
	return nil
}

// Stop stops a user's running container.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	u := m.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Load().(types.ContainerState) != types.ContainerRunning {
		return nil
	}
	if _, stderr, err := m.runner.Run(ctx, m.opts.Binary, "stop", m.ContainerName(userID)); err != nil {
		return &types.ContainerError{
			Kind: types.ContainerFatal, UserID: userID,
			Detail: "failed to stop container: " + strings.TrimSpace(stderr), Err: err,
		}
	}
	u.state.Store(types.ContainerStopped)
	return nil
}

// Exec spawns a command inside the user's running container and returns the
// process handle without waiting for completion. Callers must Ensure first;
// a non-Running state is a contract violation, not user input.
func (m *Manager) Exec(ctx context.Context, userID string, spec CommandSpec) (Handle, error) {
	if state := m.Inspect(userID); state != types.ContainerRunning {
		return nil, &types.ContainerError{
			Kind: types.ContainerNotRunning, UserID: userID,
			Detail: fmt.Sprintf("container state is %s; call Ensure before Exec", state),
		}
	}
	return m.runner.Start(ctx, spec.Args[0], spec.Args[1:], spec.Stdin)
}

// runWithRetry retries transient runtime failures (unreachable daemon) with
// bounded exponential backoff, then surfaces ContainerError(Unavailable).
// Non-transient failures return immediately.
func (m *Manager) runWithRetry(ctx context.Context, userID, name string, args ...string) (string, string, error) {
	var (
		stdout, stderr string
		err            error
	)
	delay := m.opts.RetryBaseDelay
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return stdout, stderr, ctx.Err()
			}
			delay *= 2
		}
		stdout, stderr, err = m.runner.Run(ctx, name, args...)
		if err == nil || !isTransient(stderr) {
			return stdout, stderr, err
		}
		log.Printf("sandbox: transient runtime error for %s (attempt %d/%d): %s",
			userID, attempt+1, m.opts.MaxRetries+1, strings.TrimSpace(stderr))
	}
	return stdout, stderr, &types.ContainerError{
		Kind: types.ContainerUnavailable, UserID: userID,
		Detail: "runtime unavailable after retries: " + strings.TrimSpace(stderr), Err: err,
	}
}

// isNotFound matches the runtime's missing-container inspect error.
func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such object") || strings.Contains(s, "no such container")
}

// isTransient matches daemon-unreachable errors worth retrying.
func isTransient(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "cannot connect to the docker daemon") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "daemon is not running")
}
