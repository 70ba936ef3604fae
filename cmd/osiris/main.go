// Command osiris is the pipeline engine CLI: compile OML into deterministic
// manifests, run them locally or in a sandboxed worker, inspect the run
// index, and export post-run AIOP documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/osiris-etl/osiris/internal/compile"
	"github.com/osiris-etl/osiris/internal/remote"
)

// Exit codes.
const (
	exitOK         = 0
	exitInternal   = 1
	exitUsage      = 2
	exitValidation = 3
	exitTruncation = 4
	exitRemote     = 5
)

// exitError pins a specific exit code to an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, remote.ErrRemoteTimeout) || errors.Is(err, remote.ErrTransportLost) {
		return exitRemote
	}
	if errors.Is(err, compile.ErrValidationFailed) {
		return exitValidation
	}
	return exitInternal
}

func newLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp()
	defer app.close()
	root := app.rootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil && exitCode(err) != exitTruncation {
		fmt.Fprintln(os.Stderr, "osiris:", err)
	}
	os.Exit(exitCode(err))
}
