package incident

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
)

var _ notifications.Notifier = (*Notifier)(nil)

type fakeRunner struct {
	mu    sync.Mutex
	argvs [][]string
	codes []int
}

func (f *fakeRunner) Run(ctx context.Context, argv []string) RunResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := len(f.argvs)
	f.argvs = append(f.argvs, argv)

	if _, ok := ctx.Deadline(); !ok {
		return RunResult{ExitCode: -1, ErrorKind: KindSpawn, Stderr: "no deadline"}
	}
	if i < len(f.codes) && f.codes[i] != 0 {
		return RunResult{ExitCode: f.codes[i], ErrorKind: KindExit}
	}
	return RunResult{}
}

func testProblem() *domain.Problem {
	return &domain.Problem{
		ID:                     "-42_1V2",
		DisplayName:            "P-42",
		Status:                 domain.ProblemStatusOpen,
		SeverityLevel:          "AVAILABILITY",
		ImpactLevel:            "SERVICE",
		TagsOfAffectedEntities: []string{"prod"},
		ImpactedEntities: []domain.ImpactedEntity{
			{EntityName: "checkout", SeverityLevel: "AVAILABILITY", ImpactLevel: "SERVICE", EventType: "SERVICE_UNAVAILABLE"},
			{EntityName: "payments", SeverityLevel: "ERROR", ImpactLevel: "APPLICATION", EventType: "ERROR_RATE_INCREASED"},
		},
	}
}

func newTestNotifier(t *testing.T, cfg Config, runner Runner) *Notifier {
	t.Helper()
	n, err := newNotifier(cfg, notifications.MustNewRenderer(), runner, "linux")
	require.NoError(t, err)
	return n
}

func TestSelectExecutable(t *testing.T) {
	cfg := Config{ExecUnix: "/opt/incident.sh", ExecWindows: `C:\incident.exe`}

	tests := []struct {
		goos string
		want string
	}{
		{"linux", "/opt/incident.sh"},
		{"darwin", "/opt/incident.sh"},
		{"windows", `C:\incident.exe`},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectExecutable(cfg, tt.goos))
		})
	}
}

func TestNewNotifier_Validation(t *testing.T) {
	renderer := notifications.MustNewRenderer()

	_, err := newNotifier(Config{ExecWindows: "x.exe"}, renderer, nil, "linux")
	assert.ErrorContains(t, err, "executable for linux is required")

	_, err = newNotifier(Config{ExecUnix: "/bin/x"}, nil, nil, "linux")
	assert.Error(t, err)

	n, err := newNotifier(Config{ExecUnix: "/bin/x"}, renderer, nil, "linux")
	require.NoError(t, err)
	assert.IsType(t, ExecRunner{}, n.runner)
	assert.Equal(t, defaultTimeout, n.timeout)
}

func TestNotifier_OneCallPerEntity(t *testing.T) {
	runner := &fakeRunner{}
	n := newTestNotifier(t, Config{ExecUnix: "/opt/incident.sh", Args: []string{"--source", "relay"}, Timeout: time.Second}, runner)

	outcome, err := n.Notify(context.Background(), testProblem())
	require.NoError(t, err)

	assert.True(t, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Calls)
	assert.Equal(t, []int{0, 0}, outcome.ExitCodes)
	assert.Equal(t, "exit codes [0 0]", outcome.Detail)

	require.Len(t, runner.argvs, 2)
	assert.Equal(t, []string{
		"/opt/incident.sh", "--source", "relay",
		"Problem [P-42]: Status=OPEN, Severity=AVAILABILITY, ImpactLevel=SERVICE, Tags=[prod] " +
			"Entity details: Entity=checkout, impactLevel=SERVICE, severity=AVAILABILITY, eventType=SERVICE_UNAVAILABLE",
	}, runner.argvs[0])
	assert.Contains(t, runner.argvs[1][3], "Entity=payments")
}

func TestNotifier_AnyNonzeroExitFails(t *testing.T) {
	runner := &fakeRunner{codes: []int{0, 2}}
	n := newTestNotifier(t, Config{ExecUnix: "/opt/incident.sh"}, runner)

	outcome, err := n.Notify(context.Background(), testProblem())
	require.Error(t, err)

	var nerr *notifications.NotifierError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, Name, nerr.Notifier)

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, []int{0, 2}, outcome.ExitCodes)
	assert.Equal(t, 2, outcome.Calls, "later entities are still attempted")
}

func TestNotifier_NoEntities(t *testing.T) {
	runner := &fakeRunner{}
	n := newTestNotifier(t, Config{ExecUnix: "/opt/incident.sh"}, runner)

	p := testProblem()
	p.ImpactedEntities = []domain.ImpactedEntity{}

	outcome, err := n.Notify(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded)
	assert.Zero(t, outcome.Calls)
	assert.Empty(t, runner.argvs)
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX utilities")
	}

	r := ExecRunner{}
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		res := r.Run(ctx, []string{"true"})
		assert.Equal(t, 0, res.ExitCode)
		assert.Empty(t, res.ErrorKind)
	})

	t.Run("exit code", func(t *testing.T) {
		res := r.Run(ctx, []string{"sh", "-c", "echo oops >&2; exit 3"})
		assert.Equal(t, 3, res.ExitCode)
		assert.Equal(t, KindExit, res.ErrorKind)
		assert.Equal(t, "oops", res.Stderr)
	})

	t.Run("argument is not shell interpreted", func(t *testing.T) {
		res := r.Run(ctx, []string{"test", "a; exit 7", "=", "a; exit 7"})
		assert.Equal(t, 0, res.ExitCode)
	})

	t.Run("spawn failure", func(t *testing.T) {
		res := r.Run(ctx, []string{"/nonexistent/incident-tool"})
		assert.Equal(t, -1, res.ExitCode)
		assert.Equal(t, KindSpawn, res.ErrorKind)
	})

	t.Run("empty argv", func(t *testing.T) {
		res := r.Run(ctx, nil)
		assert.Equal(t, -1, res.ExitCode)
		assert.Equal(t, KindSpawn, res.ErrorKind)
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()

		res := r.Run(tctx, []string{"sleep", "5"})
		assert.Equal(t, -1, res.ExitCode)
		assert.Equal(t, KindTimeout, res.ErrorKind)
	})
}
