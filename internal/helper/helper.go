// Package helper runs the external privileged password helper and classifies
// its exit status.
//
// The helper is invoked as `<command...> <user>` and reads the old and the new
// password as two newline-terminated lines from stdin. Exit status 0 means the
// password was changed, 2 means the old password did not match, anything else
// is a failure.
package helper

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultCommand is the helper command line used when none is configured.
const DefaultCommand = "sudo updatemailuser-secure"

// Exit codes of the helper protocol.
const (
	ExitSuccess            = 0
	ExitInvalidCredentials = 2
)

var (
	// ErrEmptyCommand is returned when the configured command line has no words.
	ErrEmptyCommand = errors.New("helper command is empty")

	// ErrTimeout is returned when the helper did not finish within its timeout.
	ErrTimeout = errors.New("helper timed out")
)

// Outcome classifies a finished helper run.
type Outcome int

const (
	OutcomeError Outcome = iota
	OutcomeSuccess
	OutcomeInvalidCredentials
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	default:
		return "error"
	}
}

// ClassifyExitCode maps a helper exit code to an Outcome.
func ClassifyExitCode(code int) Outcome {
	switch code {
	case ExitSuccess:
		return OutcomeSuccess
	case ExitInvalidCredentials:
		return OutcomeInvalidCredentials
	default:
		return OutcomeError
	}
}

// Result is the outcome of one helper run that reached process exit.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Outcome classifies the result's exit code.
func (r Result) Outcome() Outcome {
	return ClassifyExitCode(r.ExitCode)
}

// Runner runs the password helper for one user.
//
// A non-nil error means the helper could not be run to completion (not found,
// timed out, cancelled). A helper that exits non-zero is not an error; its
// exit code is reported in Result.
type Runner interface {
	Run(ctx context.Context, user, oldPassword, newPassword string) (Result, error)
}

// ParseCommand splits a configured command line on whitespace.
func ParseCommand(line string) ([]string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}
