package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dimroute/internal/app"
	"dimroute/internal/apperr"
	"dimroute/internal/config"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

// Exit codes beyond the generic failure.
const (
	exitUsage    = 2
	exitRejected = 3
)

var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		slog.Error("dimroute failed", slog.String("error", err.Error()))
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errUsage):
		return exitUsage
	case apperr.HasCode(err, apperr.InvalidFilters):
		return exitRejected
	default:
		return 1
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("dimroute", pflag.ContinueOnError)
	fs.Usage = func() { usage(fs) }
	opts := defineCommandFlags(fs)

	cfg, rest, err := config.LoadFrom(fs, args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.version {
		fmt.Fprintf(stdout, "dimroute %s (%s)\n", Version, Commit)
		return nil
	}
	if len(rest) == 0 {
		usage(fs)
		return fmt.Errorf("%w: missing command", errUsage)
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		usage(fs)
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
	if len(rest)-1 < cmd.minArgs {
		return fmt.Errorf("%w: %s requires %s", errUsage, rest[0], cmd.args)
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	logger, loggerProvider, err := app.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	a.AttachLoggerProvider(loggerProvider)

	if err := a.Init(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	return cmd.run(ctx, &env{svc: a.Service(), opts: opts, out: stdout}, rest[1:])
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: dimroute [flags] <command> [args]\n\nCommands:\n")
	for _, name := range commandOrder {
		c := commands[name]
		fmt.Fprintf(os.Stderr, "  %-12s %-28s %s\n", name, c.args, c.help)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", fs.FlagUsages())
}
