// Command problem-relay forwards monitoring platform problems to incident
// management, SMS and NATS subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bissquit/problem-relay/internal/app"
	"github.com/bissquit/problem-relay/internal/config"
	"github.com/bissquit/problem-relay/internal/domain"
	"github.com/bissquit/problem-relay/internal/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("problem-relay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("PROBLEMRELAY_CONFIG"), "path to the YAML config file")
	fs.Usage = func() { _, _ = fmt.Fprintln(stderr, app.Usage) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cmd, rest := fs.Arg(0), fs.Args()
	if len(rest) > 0 {
		rest = rest[1:]
	}

	switch cmd {
	case "run":
		return withApp(*configPath, stderr, serve)
	case "poll":
		rt, err := pollWindow(rest)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "%v\n\n%s\n", err, app.Usage)
			return 0
		}
		return withApp(*configPath, stderr, func(a *app.App) int { return poll(a, rt) })
	case "version":
		_, _ = fmt.Fprintln(stdout, version.Get())
		return 0
	default:
		_, _ = fmt.Fprintln(stdout, app.Usage)
		return 0
	}
}

// pollWindow reads the optional relative time argument of the poll command.
func pollWindow(args []string) (domain.RelativeTime, error) {
	if len(args) == 0 {
		return domain.DefaultRelativeTime, nil
	}
	return domain.ParseRelativeTime(args[0])
}

func withApp(configPath string, stderr io.Writer, fn func(*app.App) int) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		return 1
	}

	return fn(a)
}

func serve(a *app.App) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()

	code := 0
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
			code = 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		code = 1
	}
	return code
}

func poll(a *app.App, rt domain.RelativeTime) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	defer func() { _ = a.Shutdown(shutdownCtx) }()

	result, err := a.Poll(ctx, rt)
	if err != nil {
		return 1
	}
	if result.Failed > 0 {
		slog.Warn("some problems could not be processed", "failed", result.Failed)
	}
	return 0
}
