package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/feedbackloop/insight/internal/session"
)

// RetryConfig bounds the backoff loop around completion calls.
type RetryConfig struct {
	MaxRetries      int           // attempts beyond the first call
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // backoff cap after doubling
}

// DefaultRetryConfig returns defaults tuned for LLM provider APIs.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// transientMarkers are substrings that identify errors worth retrying:
// rate limiting, transient server errors, and flaky network conditions.
// String matching is the best available signal; Genkit and the provider
// SDKs do not surface typed errors for these failures.
var transientMarkers = []string{
	"rate limit", "quota exceeded", "429",
	"500", "502", "503", "504", "unavailable",
	"connection reset", "timeout", "temporary",
}

// retryableError reports whether err looks transient.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// generateWithRetry calls the model, doubling the delay between attempts
// up to MaxInterval. Each attempt waits on the limiter when one is
// configured. An attempt that already streamed tokens is never retried,
// since replaying a partial answer would duplicate output at the client.
func (o *Orchestrator) generateWithRetry(ctx context.Context, system string, window []session.Message, message string, stream StreamCallback) (string, error) {
	var (
		lastErr error
		delay   = o.retryConfig.InitialInterval
		start   = time.Now()
	)

	for attempt := 0; ; attempt++ {
		if o.rateLimiter != nil {
			if err := o.rateLimiter.Wait(ctx); err != nil {
				return "", fmt.Errorf("rate limit wait: %w", err)
			}
		}

		var streamed bool
		observing := func(ctx context.Context, token string) error {
			streamed = true
			return stream(ctx, token)
		}

		text, err := o.model.Generate(ctx, system, window, message, observing)
		if err == nil {
			o.logger.Debug("completion generated",
				"attempts", attempt+1,
				"elapsed", time.Since(start))
			return text, nil
		}
		lastErr = err

		if streamed || !retryableError(err) {
			return "", fmt.Errorf("generate: %w", err)
		}
		if attempt == o.retryConfig.MaxRetries {
			break
		}

		o.logger.Debug("retrying completion after error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, o.retryConfig.MaxInterval)
		}
	}

	return "", fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		o.retryConfig.MaxRetries, time.Since(start), lastErr)
}
