// Package incident notifies an external incident-management executable.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/notifications"
	"github.com/bissquit/problem-relay/internal/pkg/ctxlog"
)

// Name is the notifier name used in outcomes, logs and metrics.
const Name = "incident"

const defaultTimeout = 30 * time.Second

// Config holds incident notifier configuration.
type Config struct {
	ExecUnix    string
	ExecWindows string
	Args        []string      // static arguments placed before the entity argument
	Timeout     time.Duration // per invocation
}

// Notifier calls the incident executable once per impacted entity.
type Notifier struct {
	executable string
	args       []string
	timeout    time.Duration
	runner     Runner
	renderer   *notifications.Renderer
}

// NewNotifier creates the notifier for the current platform. A nil runner
// defaults to ExecRunner.
func NewNotifier(cfg Config, renderer *notifications.Renderer, runner Runner) (*Notifier, error) {
	return newNotifier(cfg, renderer, runner, runtime.GOOS)
}

func newNotifier(cfg Config, renderer *notifications.Renderer, runner Runner, goos string) (*Notifier, error) {
	executable := SelectExecutable(cfg, goos)
	if executable == "" {
		return nil, fmt.Errorf("incident notifier: executable for %s is required when enabled", goos)
	}
	if renderer == nil {
		return nil, errors.New("incident notifier: renderer is required")
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	slog.Info("incident notifier configured",
		"executable", executable,
		"static_args", len(cfg.Args),
		"timeout", cfg.Timeout,
	)

	return &Notifier{
		executable: executable,
		args:       append([]string(nil), cfg.Args...),
		timeout:    cfg.Timeout,
		runner:     runner,
		renderer:   renderer,
	}, nil
}

// SelectExecutable returns the configured executable for goos.
func SelectExecutable(cfg Config, goos string) string {
	if goos == "windows" {
		return cfg.ExecWindows
	}
	return cfg.ExecUnix
}

// Name implements notifications.Notifier.
func (n *Notifier) Name() string {
	return Name
}

// Argv returns the command line for one rendered entity argument.
func (n *Notifier) Argv(argument string) []string {
	argv := make([]string, 0, len(n.args)+2)
	argv = append(argv, n.executable)
	argv = append(argv, n.args...)
	return append(argv, argument)
}

// Notify implements notifications.Notifier. It succeeds only when every
// invocation exits with code 0; a problem without impacted entities makes no
// calls and succeeds.
func (n *Notifier) Notify(ctx context.Context, problem *domain.Problem) (notifications.Outcome, error) {
	logger := ctxlog.FromContext(ctx)

	arguments := make([]string, 0, len(problem.ImpactedEntities))
	for _, entity := range problem.ImpactedEntities {
		arg, err := n.renderer.IncidentArgument(problem, entity)
		if err != nil {
			return notifications.Outcome{}, fmt.Errorf("render incident argument: %w", err)
		}
		arguments = append(arguments, arg)
	}

	if len(arguments) == 0 {
		logger.Info("no impacted entities, incident software not called")
		return notifications.Outcome{Succeeded: true, Detail: "no impacted entities", ExitCodes: []int{}}, nil
	}

	codes := make([]int, 0, len(arguments))
	failed := 0
	for _, arg := range arguments {
		res := n.run(ctx, arg)
		codes = append(codes, res.ExitCode)

		if res.ExitCode != 0 {
			failed++
			logger.Warn("incident software call failed",
				"exit_code", res.ExitCode,
				"kind", res.ErrorKind,
				"stderr", res.Stderr,
			)
			continue
		}
		logger.Info("incident software called", "exit_code", res.ExitCode)
		logger.Debug("incident software argument", "argument", arg)
	}

	outcome := notifications.Outcome{
		Succeeded: failed == 0,
		Detail:    fmt.Sprintf("exit codes %v", codes),
		Calls:     len(codes),
		ExitCodes: codes,
	}

	if failed > 0 {
		return outcome, &notifications.NotifierError{
			Notifier: Name,
			Err:      fmt.Errorf("%d of %d invocations failed", failed, len(codes)),
		}
	}
	return outcome, nil
}

func (n *Notifier) run(ctx context.Context, argument string) RunResult {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	return n.runner.Run(ctx, n.Argv(argument))
}
