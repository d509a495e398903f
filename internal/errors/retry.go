package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for operations
type RetryConfig struct {
	MaxRetries      int             `yaml:"max_retries"`
	InitialInterval time.Duration   `yaml:"initial_interval"`
	MaxInterval     time.Duration   `yaml:"max_interval"`
	Multiplier      float64         `yaml:"multiplier"`
	Jitter          bool            `yaml:"jitter"`
	RetryableErrors []ErrorCategory `yaml:"-"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:      3,
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []ErrorCategory{
			ErrorCategoryNetwork,
			ErrorCategoryRegistry,
			ErrorCategoryTimeout,
		},
	}
}

// NoRetry runs an operation exactly once
func NoRetry() *RetryConfig {
	return &RetryConfig{MaxRetries: 0, Multiplier: 1}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func() error

// retryable is implemented by errors that know whether a retry can help
type retryable interface {
	IsRetryable() bool
}

// RetryWithContext executes fn until it succeeds, returns a non-retryable
// error, runs out of attempts, or ctx is done. Non-retryable errors are
// returned unchanged.
func RetryWithContext(ctx context.Context, config *RetryConfig, operation string, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	interval := config.InitialInterval

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancelled(operation, "Operation cancelled by context", err)
		}

		if attempt > 0 {
			wait := interval
			if config.Jitter {
				wait = addJitter(interval)
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return cancelled(operation, "Operation cancelled during retry wait", ctx.Err())
			case <-timer.C:
			}

			interval = time.Duration(float64(interval) * config.Multiplier)
			if interval > config.MaxInterval {
				interval = config.MaxInterval
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err, config) {
			return err
		}
	}

	if config.MaxRetries == 0 {
		return lastErr
	}

	return NewErrorBuilder().
		Category(ErrorCategoryNetwork).
		Severity(ErrorSeverityHigh).
		Operation(operation).
		Message(fmt.Sprintf("Operation failed after %d retries: %v", config.MaxRetries, lastErr)).
		Cause(lastErr).
		Retryable(false).
		Suggestion("Check the underlying issue and try again later").
		Metadata("max_retries", config.MaxRetries).
		Build()
}

func cancelled(operation, message string, cause error) *Error {
	return NewErrorBuilder().
		Category(ErrorCategoryTimeout).
		Severity(ErrorSeverityCritical).
		Operation(operation).
		Message(message).
		Cause(cause).
		Retryable(false).
		Build()
}

// isRetryableError determines if an error should trigger a retry
func isRetryableError(err error, config *RetryConfig) bool {
	var e *Error
	if stderrors.As(err, &e) {
		if !e.IsRetryable() {
			return false
		}
		if len(config.RetryableErrors) == 0 {
			return true
		}
		for _, category := range config.RetryableErrors {
			if e.Category == category {
				return true
			}
		}
		return false
	}

	var r retryable
	if stderrors.As(err, &r) {
		return r.IsRetryable()
	}

	return isRetryableByMessage(err.Error())
}

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"network unreachable",
	"temporary failure",
	"service unavailable",
	"internal server error",
	"bad gateway",
	"gateway timeout",
	"too many requests",
	"rate limit",
	"i/o timeout",
	"no route to host",
	"unexpected eof",
}

// isRetryableByMessage determines retry-ability based on error message content
func isRetryableByMessage(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// addJitter adds up to 25% random jitter to the wait interval
func addJitter(interval time.Duration) time.Duration {
	jitter := time.Duration(rand.Float64() * 0.25 * float64(interval))
	return interval + jitter
}
