package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentdeck-backend/types"
)

// fakeRunner records every invocation and answers from a scripted responder.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(call []string) (string, string, error)
	delay   time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	call := append([]string{name}, args...)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.respond(call)
}

func (f *fakeRunner) Start(ctx context.Context, name string, args []string, stdin string) (Handle, error) {
	call := append([]string{name}, args...)
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return &fakeHandle{}, nil
}

func (f *fakeRunner) countCalls(subcommand string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if len(call) > 1 && call[1] == subcommand {
			n++
		}
	}
	return n
}

type fakeHandle struct{}

func (fakeHandle) Output() io.Reader { return strings.NewReader("") }
func (fakeHandle) Interrupt() error  { return nil }
func (fakeHandle) Wait() error       { return nil }

func testOptions() Options {
	return Options{
		Binary:         "docker",
		Image:          "claude-sandbox",
		Runtime:        "runsc",
		Memory:         "2g",
		CPUs:           "1",
		UsersDir:       "/data/users",
		EnvVars:        map[string]string{"ANTHROPIC_API_KEY": "sk-test", "AGENT_FLAG": "1"},
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}
}

// respondHealthy scripts a runtime where the container does not exist yet and
// create/start succeed.
func respondHealthy(call []string) (string, string, error) {
	switch call[1] {
	case "inspect":
		return "", "Error: No such object: sandbox-alice", errors.New("exit status 1")
	case "create", "start":
		return "", "", nil
	}
	return "", "", fmt.Errorf("unexpected call: %v", call)
}

func TestBuildCreateCommand(t *testing.T) {
	m := NewManager(testOptions(), &fakeRunner{})

	expected := []string{
		"docker", "create",
		"--name", "sandbox-alice",
		"--runtime=runsc",
		"--memory=2g",
		"--cpus=1",
		"-v", "/data/users/alice:/root",
		"-e", "AGENT_FLAG=1",
		"-e", "ANTHROPIC_API_KEY=sk-test",
		"-e", "IS_SANDBOX=1",
		"claude-sandbox", "sleep", "infinity",
	}
	assert.Equal(t, expected, m.BuildCreateCommand("alice"), "env vars sorted, IS_SANDBOX last")
}

func TestBuildExecCommand(t *testing.T) {
	m := NewManager(testOptions(), &fakeRunner{})

	tests := []struct {
		name        string
		args        []string
		interactive bool
		expected    []string
	}{
		{
			name:        "non-interactive",
			args:        []string{"--version"},
			interactive: false,
			expected:    []string{"docker", "exec", "sandbox-bob", "claude", "--dangerously-skip-permissions", "--version"},
		},
		{
			name:        "interactive resume",
			args:        []string{"-p", "--resume", "sess-1"},
			interactive: true,
			expected:    []string{"docker", "exec", "-i", "sandbox-bob", "claude", "--dangerously-skip-permissions", "-p", "--resume", "sess-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, m.BuildExecCommand("bob", tt.args, tt.interactive))
		})
	}
}

func TestBuildSendCommand(t *testing.T) {
	m := NewManager(testOptions(), &fakeRunner{})

	spec := m.BuildSendCommand("alice", "sess-1", "run the tests")
	assert.Equal(t, []string{"docker", "exec", "-i", "sandbox-alice", "claude", "--dangerously-skip-permissions", "-p", "--resume", "sess-1"}, spec.Args)
	assert.Equal(t, "run the tests", spec.Stdin)

	spec = m.BuildNewSessionCommand("alice", "hello")
	assert.Equal(t, []string{"docker", "exec", "-i", "sandbox-alice", "claude", "--dangerously-skip-permissions", "-p"}, spec.Args)
	assert.Equal(t, "hello", spec.Stdin)
}

func TestEnsureCreatesAndStarts(t *testing.T) {
	runner := &fakeRunner{respond: respondHealthy}
	m := NewManager(testOptions(), runner)

	require.NoError(t, m.Ensure(context.Background(), "alice"))
	assert.Equal(t, types.ContainerRunning, m.Inspect("alice"))
	assert.Equal(t, 1, runner.countCalls("create"))
	assert.Equal(t, 1, runner.countCalls("start"))
}

func TestEnsureRunningIsNoOp(t *testing.T) {
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		if call[1] == "inspect" {
			return "true\n", "", nil
		}
		return "", "", fmt.Errorf("unexpected call: %v", call)
	}}
	m := NewManager(testOptions(), runner)

	require.NoError(t, m.Ensure(context.Background(), "alice"))
	require.NoError(t, m.Ensure(context.Background(), "alice"))
	assert.Equal(t, types.ContainerRunning, m.Inspect("alice"))
	assert.Equal(t, 1, runner.countCalls("inspect"), "second ensure short-circuits on cached state")
	assert.Zero(t, runner.countCalls("create"))
}

func TestEnsureStartsStoppedContainer(t *testing.T) {
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		switch call[1] {
		case "inspect":
			return "false\n", "", nil
		case "start":
			return "", "", nil
		}
		return "", "", fmt.Errorf("unexpected call: %v", call)
	}}
	m := NewManager(testOptions(), runner)

	require.NoError(t, m.Ensure(context.Background(), "alice"))
	assert.Equal(t, types.ContainerRunning, m.Inspect("alice"))
	assert.Zero(t, runner.countCalls("create"), "existing container is started, not recreated")
	assert.Equal(t, 1, runner.countCalls("start"))
}

func TestConcurrentEnsureSingleCreate(t *testing.T) {
	runner := &fakeRunner{respond: respondHealthy, delay: 5 * time.Millisecond}
	m := NewManager(testOptions(), runner)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Ensure(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err, "every caller observes the single operation's result")
	}
	assert.Equal(t, 1, runner.countCalls("create"), "exactly one create across concurrent ensures")
	assert.Equal(t, 1, runner.countCalls("start"))
}

func TestEnsureRetriesTransientErrors(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		if call[1] == "inspect" {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n <= 2 {
				return "", "Cannot connect to the Docker daemon at unix:///var/run/docker.sock", errors.New("exit status 1")
			}
			return "true\n", "", nil
		}
		return "", "", fmt.Errorf("unexpected call: %v", call)
	}}
	m := NewManager(testOptions(), runner)

	require.NoError(t, m.Ensure(context.Background(), "alice"))
	assert.Equal(t, types.ContainerRunning, m.Inspect("alice"))
	assert.Equal(t, 3, runner.countCalls("inspect"))
}

func TestEnsureUnavailableAfterRetries(t *testing.T) {
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		return "", "Cannot connect to the Docker daemon", errors.New("exit status 1")
	}}
	m := NewManager(testOptions(), runner)

	err := m.Ensure(context.Background(), "alice")
	require.Error(t, err)
	var cerr *types.ContainerError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, types.ContainerUnavailable, cerr.Kind)
	assert.Equal(t, 3, runner.countCalls("inspect"), "MaxRetries=2 means three attempts")
}

func TestEnsureFatalNotRetried(t *testing.T) {
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		switch call[1] {
		case "inspect":
			return "", "Error: No such object: sandbox-alice", errors.New("exit status 1")
		case "create":
			return "", "Unable to find image 'claude-sandbox:latest'", errors.New("exit status 125")
		}
		return "", "", fmt.Errorf("unexpected call: %v", call)
	}}
	m := NewManager(testOptions(), runner)

	err := m.Ensure(context.Background(), "alice")
	require.Error(t, err)
	var cerr *types.ContainerError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, types.ContainerFatal, cerr.Kind)
	assert.Equal(t, 1, runner.countCalls("create"), "non-transient failures are not retried")
	assert.Equal(t, types.ContainerFailed, m.Inspect("alice"))
}

func TestEnsureCallerCancellationDoesNotAbortOperation(t *testing.T) {
	runner := &fakeRunner{respond: respondHealthy, delay: 20 * time.Millisecond}
	m := NewManager(testOptions(), runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Ensure(ctx, "alice")
	require.ErrorIs(t, err, context.Canceled)

	// The operation keeps going on its own context; a later caller sees the
	// cached result without repeating the create.
	require.Eventually(t, func() bool {
		return m.Inspect("alice") == types.ContainerRunning
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Ensure(context.Background(), "alice"))
	assert.Equal(t, 1, runner.countCalls("create"))
}

func TestExecRequiresRunning(t *testing.T) {
	m := NewManager(testOptions(), &fakeRunner{})

	_, err := m.Exec(context.Background(), "alice", m.BuildNewSessionCommand("alice", "hi"))
	require.Error(t, err)
	var cerr *types.ContainerError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, types.ContainerNotRunning, cerr.Kind)
}

func TestStop(t *testing.T) {
	runner := &fakeRunner{respond: func(call []string) (string, string, error) {
		switch call[1] {
		case "inspect":
			return "true\n", "", nil
		case "stop":
			return "", "", nil
		}
		return "", "", fmt.Errorf("unexpected call: %v", call)
	}}
	m := NewManager(testOptions(), runner)

	require.NoError(t, m.Ensure(context.Background(), "alice"))
	require.NoError(t, m.Stop(context.Background(), "alice"))
	assert.Equal(t, types.ContainerStopped, m.Inspect("alice"))

	// Stopping a stopped container is a no-op.
	require.NoError(t, m.Stop(context.Background(), "alice"))
	assert.Equal(t, 1, runner.countCalls("stop"))
}

func TestContainerName(t *testing.T) {
	m := NewManager(testOptions(), &fakeRunner{})
	assert.Equal(t, "sandbox-alice", m.ContainerName("alice"))
	assert.Equal(t, "sandbox-alice", m.ContainerName("alice"), "deterministic naming makes ensure idempotent")
}
