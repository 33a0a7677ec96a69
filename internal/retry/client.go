// Package retry re-runs broker calls that fail for transient reasons, with jittered backoff.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/rolling_calls/internal/broker"
)

// Config controls the retry budget.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is used when no config is given.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client holds the retry policy shared by all calls.
type Client struct {
	logger logrus.FieldLogger
	config Config
}

// NewClient creates a retry client. Zero fields in config fall back to DefaultConfig.
func NewClient(logger logrus.FieldLogger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = DefaultConfig.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = DefaultConfig.MaxBackoff
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig.Timeout
		}
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = DefaultConfig.MaxRetries
		}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Do runs a read-only call, retrying any transient error.
func Do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	return run(ctx, c, op, fn, IsTransientError)
}

// Submit runs an order submission. It only retries errors showing the broker never
// accepted the request, so an order is not placed twice.
func Submit[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	return run(ctx, c, op, fn, IsRejectedBeforeAccept)
}

func run[T any](
	ctx context.Context,
	c *Client,
	op string,
	fn func(context.Context) (T, error),
	retryable func(error) bool,
) (T, error) {
	var zero T
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff
	log := c.logger.WithField("op", op)

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return zero, fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}

		res, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				log.WithField("attempt", attempt+1).Info("Succeeded after retry")
			}
			return res, nil
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("Attempt failed")

		if !retryable(err) || attempt == c.config.MaxRetries {
			break
		}

		log.WithField("backoff", backoff.String()).Info("Transient error detected, retrying")
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.WithError(err).Warn("Failed to generate jitter")
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// IsTransientError reports whether err is likely to go away on retry.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"network",
		"dns",
		"tcp",
		"eof",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsRejectedBeforeAccept reports whether err proves the broker never acted on the request.
// Timeouts and most 5xx responses are excluded since the order may have been placed.
func IsRejectedBeforeAccept(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
			return true
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "rate limit")
}
