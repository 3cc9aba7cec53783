package app

import (
	"context"
	"errors"

	"mcrenew/internal/renewer"
)

// Process exit codes.
const (
	ExitOK     = 0
	ExitConfig = 1 // bad config or task definition, or any other fatal error
	ExitAuth   = 2 // no usable session: login timed out or the session is exhausted
)

// ExitCode maps a run result to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, renewer.ErrSessionExhausted),
		errors.Is(err, renewer.ErrLoginTimeout),
		errors.Is(err, renewer.ErrManualSessionRequired):
		return ExitAuth
	}
	return ExitConfig
}
