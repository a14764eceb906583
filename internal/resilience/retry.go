package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/catherinevee/evidencemgr/internal/logger"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	Jitter          bool
	RetryableErrors []error
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// ProviderRetryConfig returns config tuned for evidence provider APIs,
// which throttle aggressively during bulk collection.
func ProviderRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// RetryResult contains the outcome of a retry operation
type RetryResult struct {
	Attempts      int
	LastError     error
	Success       bool
	TotalDuration time.Duration
}

// Retry executes a function with exponential backoff
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) (*RetryResult, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	log := logger.New("resilience")
	startTime := time.Now()
	result := &RetryResult{}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)

			if attempt > 1 {
				log.Info("operation succeeded after retry",
					logger.Int("attempt", attempt),
					logger.Duration("duration", result.TotalDuration))
			}
			return result, nil
		}

		result.LastError = err

		if !isRetryable(err, config.RetryableErrors) {
			log.Warn("non-retryable error encountered",
				logger.Err(err),
				logger.Int("attempt", attempt))
			result.TotalDuration = time.Since(startTime)
			return result, err
		}

		if attempt >= config.MaxAttempts {
			result.TotalDuration = time.Since(startTime)
			return result, fmt.Errorf("operation failed after %d attempts: %w", attempt, err)
		}

		delay := calculateDelay(attempt, config)
		log.Debug("retrying operation",
			logger.Int("attempt", attempt),
			logger.Duration("next_delay", delay),
			logger.Err(err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.TotalDuration = time.Since(startTime)
			return result, ctx.Err()
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result, result.LastError
}

// calculateDelay computes the delay for the next retry attempt
func calculateDelay(attempt int, config *RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt-1))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	// Jitter prevents synchronized retries across providers
	if config.Jitter {
		delay += rand.Float64() * 0.3 * delay
	}

	return time.Duration(delay)
}

// isRetryable determines if an error should trigger a retry
func isRetryable(err error, retryableErrors []error) bool {
	if len(retryableErrors) > 0 {
		for _, retryableErr := range retryableErrors {
			if errors.Is(err, retryableErr) {
				return true
			}
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"toomanyrequests",
		"rate limit",
		"throttl",
		"temporary",
		"503",
		"429",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
