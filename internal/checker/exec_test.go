package checker_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/hazz-dev/healthgate/internal/checker"
	"github.com/hazz-dev/healthgate/internal/config"
)

// mockExecutor implements checker.CommandExecutor for testing.
type mockExecutor struct {
	stdout []byte
	stderr []byte
	err    error

	gotName string
	gotArgs []string
}

func (m *mockExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	m.gotName = name
	m.gotArgs = args
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	return m.stdout, m.stderr, m.err
}

func makeExecProbe(t *testing.T, target string, args ...string) config.Probe {
	t.Helper()
	return config.Probe{
		Name:    "test-exec",
		Kind:    "liveness",
		Type:    "exec",
		Target:  target,
		Args:    args,
		Timeout: config.Duration{Duration: 5 * time.Second},
	}
}

func TestExecChecker_ExitZero(t *testing.T) {
	ex := &mockExecutor{stdout: []byte("ok\n")}
	c := checker.NewExecCheckerWithExecutor(makeExecProbe(t, "/app/healthcheck", "--ready"), ex)

	result := c.Check(context.Background())
	if result.Status != checker.StatusUp {
		t.Errorf("expected StatusUp, got %q: %s", result.Status, result.Error)
	}
	if ex.gotName != "/app/healthcheck" {
		t.Errorf("expected command /app/healthcheck, got %q", ex.gotName)
	}
	if len(ex.gotArgs) != 1 || ex.gotArgs[0] != "--ready" {
		t.Errorf("unexpected args: %v", ex.gotArgs)
	}
}

func TestExecChecker_NonZeroExit(t *testing.T) {
	c := checker.NewExecCheckerWithExecutor(makeExecProbe(t, "/app/healthcheck"), &mockExecutor{
		stderr: []byte("database unreachable\n"),
		err:    errors.New("exit status 1"),
	})

	result := c.Check(context.Background())
	if result.Status != checker.StatusDown {
		t.Errorf("expected StatusDown, got %q", result.Status)
	}
	if !strings.Contains(result.Error, "database unreachable") {
		t.Errorf("expected stderr in error, got %q", result.Error)
	}
}

func TestExecChecker_FallsBackToStdout(t *testing.T) {
	c := checker.NewExecCheckerWithExecutor(makeExecProbe(t, "check"), &mockExecutor{
		stdout: []byte("not ready"),
		err:    errors.New("exit status 1"),
	})

	result := c.Check(context.Background())
	if !strings.Contains(result.Error, "not ready") {
		t.Errorf("expected stdout in error, got %q", result.Error)
	}
}

func TestExecChecker_TruncatesOutput(t *testing.T) {
	c := checker.NewExecCheckerWithExecutor(makeExecProbe(t, "check"), &mockExecutor{
		stderr: []byte(strings.Repeat("x", 4096)),
		err:    errors.New("exit status 1"),
	})

	result := c.Check(context.Background())
	if len(result.Error) > 512 {
		t.Errorf("expected truncated error, got %d bytes", len(result.Error))
	}
}

func TestExecChecker_Timeout(t *testing.T) {
	c := checker.NewExecCheckerWithExecutor(makeExecProbe(t, "check"), &mockExecutor{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := c.Check(ctx)
	if result.Status != checker.StatusDown {
		t.Errorf("expected StatusDown on cancelled context, got %q", result.Status)
	}
}

func TestExecChecker_RealCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ok, err := checker.New(makeExecProbe(t, "sh", "-c", "exit 0"))
	if err != nil {
		t.Fatal(err)
	}
	if result := ok.Check(context.Background()); result.Status != checker.StatusUp {
		t.Errorf("expected StatusUp for exit 0, got %q: %s", result.Status, result.Error)
	}

	fail, err := checker.New(makeExecProbe(t, "sh", "-c", "echo boom >&2; exit 3"))
	if err != nil {
		t.Fatal(err)
	}
	result := fail.Check(context.Background())
	if result.Status != checker.StatusDown {
		t.Errorf("expected StatusDown for exit 3, got %q", result.Status)
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("expected stderr in error, got %q", result.Error)
	}
}

func TestExecChecker_KillsBackgroundChildren(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	c, err := checker.New(makeExecProbe(t, "sh", "-c", "sleep 3 & wait"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	result := c.Check(ctx)
	elapsed := time.Since(start)

	if result.Status != checker.StatusDown {
		t.Errorf("expected StatusDown after timeout, got %q", result.Status)
	}
	if elapsed > 1500*time.Millisecond {
		t.Errorf("Check returned after %s, expected the command and its children to be killed at the deadline", elapsed)
	}
}
