package incident

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// Failure kinds of a single invocation.
const (
	KindExit     = "exit"
	KindTimeout  = "timeout"
	KindSpawn    = "spawn"
	KindCanceled = "canceled"
)

// maxOutputBytes bounds the captured stderr kept for logs.
const maxOutputBytes = 4 * 1024

// RunResult is the outcome of one process invocation.
// ExitCode is -1 when the process could not be started or was killed.
type RunResult struct {
	ExitCode  int
	ErrorKind string
	Stderr    string
}

// Runner executes argv[0] with argv[1:] as arguments, never through a shell.
type Runner interface {
	Run(ctx context.Context, argv []string) RunResult
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, argv []string) RunResult {
	if len(argv) == 0 || argv[0] == "" {
		return RunResult{ExitCode: -1, ErrorKind: KindSpawn, Stderr: "empty argv"}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := RunResult{Stderr: normalizeOutput(stderr.Bytes())}

	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.ErrorKind = KindTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		res.ExitCode = -1
		res.ErrorKind = KindCanceled
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		res.ErrorKind = KindExit
	default:
		res.ExitCode = -1
		res.ErrorKind = KindSpawn
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}

func normalizeOutput(raw []byte) string {
	if len(raw) > maxOutputBytes {
		raw = raw[:maxOutputBytes]
	}
	if !utf8.Valid(raw) {
		raw = bytes.ToValidUTF8(raw, []byte("�"))
	}
	return strings.TrimSpace(strings.ReplaceAll(string(raw), "\r\n", "\n"))
}
