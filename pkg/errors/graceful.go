// Package errors turns startup and runtime failures of the daemon into a
// logged reason and a process exit code.
package errors

import (
	"context"
	"fmt"
	"os"

	"github.com/migadu/smtpd/logger"
)

// Exit codes. Configuration problems are told apart so that init systems
// do not restart a daemon that cannot come up.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ErrorHandler records the first fatal condition. Later ones are logged
// but do not change the exit code.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("FATAL", "error", NewGracefulError(operation, err))
	eh.exit(ExitFailure)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

// ExitCode returns the recorded code, or ExitOK when nothing failed.
func (eh *ErrorHandler) ExitCode() int {
	select {
	case code := <-eh.exitChannel:
		eh.exitChannel <- code
		return code
	default:
		return ExitOK
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
