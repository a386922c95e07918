package helper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teemow/mailpass/internal/instrumentation"
	"github.com/teemow/mailpass/internal/logging"
)

// DefaultTimeout bounds a helper run when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// waitDelay is how long Run waits for the helper's output pipes to close
// after the process was killed.
const waitDelay = 2 * time.Second

// Config configures an ExecRunner.
type Config struct {
	// Command is the helper command line; the user is appended as last argument.
	Command []string

	// Timeout bounds one helper run (default: DefaultTimeout).
	Timeout time.Duration

	Logger  logging.Logger
	Metrics *instrumentation.Metrics
}

// ExecRunner runs the helper as a child process.
type ExecRunner struct {
	command []string
	timeout time.Duration
	logger  logging.Logger
	metrics *instrumentation.Metrics
}

var _ Runner = (*ExecRunner)(nil)

// NewExecRunner creates an ExecRunner.
func NewExecRunner(cfg Config) (*ExecRunner, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrEmptyCommand
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.DefaultLogger()
	}

	return &ExecRunner{
		command: append([]string(nil), cfg.Command...),
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// Command returns a copy of the configured command line.
func (r *ExecRunner) Command() []string {
	return append([]string(nil), r.command...)
}

// Run invokes the helper with user as last argument and writes both passwords
// to its stdin.
func (r *ExecRunner) Run(ctx context.Context, user, oldPassword, newPassword string) (Result, error) {
	ctx, span := instrumentation.StartHelperSpan(ctx, r.command[0], user)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := make([]string, 0, len(r.command))
	args = append(args, r.command[1:]...)
	args = append(args, user)

	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Stdin = strings.NewReader(oldPassword + "\n" + newPassword + "\n")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	result := Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
		case ctx.Err() != nil:
			err = fmt.Errorf("helper cancelled: %w", ctx.Err())
		case errors.As(err, &exitErr) && exitErr.Exited():
			result.ExitCode = exitErr.ExitCode()
			err = nil
		default:
			err = fmt.Errorf("failed to run helper %s: %w", r.command[0], err)
		}
	} else {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		instrumentation.SetSpanError(span, err)
		r.metrics.RecordHelperInvocation(ctx, OutcomeError.String(), result.Duration)
		r.logger.Warn("helper run failed",
			logging.UserHash(user),
			logging.Err(err),
			slog.Duration(logging.KeyDuration, result.Duration),
		)
		return result, err
	}

	outcome := result.Outcome()
	span.SetAttributes(
		attribute.Int(instrumentation.SpanAttrExitCode, result.ExitCode),
		attribute.String(instrumentation.SpanAttrOutcome, outcome.String()),
	)
	if outcome == OutcomeError {
		instrumentation.SetSpanError(span, fmt.Errorf("helper exited with code %d", result.ExitCode))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	r.metrics.RecordHelperInvocation(ctx, outcome.String(), result.Duration)

	r.logger.Debug("helper finished",
		logging.UserHash(user),
		logging.ExitCode(result.ExitCode),
		slog.Duration(logging.KeyDuration, result.Duration),
	)
	if outcome == OutcomeError && result.Stderr != "" {
		r.logger.Warn("helper reported an error",
			logging.UserHash(user),
			logging.ExitCode(result.ExitCode),
			slog.String("stderr", strings.TrimSpace(result.Stderr)),
		)
	}

	return result, nil
}
