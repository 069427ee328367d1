package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
)

func TestAPIError_Error(t *testing.T) {
	err := NewAPIError("backend", 403, "forbidden")
	assert.Contains(t, err.Error(), "backend")
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "forbidden")
}

func TestAPIError_WithWrapped(t *testing.T) {
	inner := errors.New("connection refused")
	err := &APIError{Service: "backend", StatusCode: 500, Message: "fail", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewAPIError("backend", 429, "rate limit")))
	assert.True(t, IsRetryable(NewAPIError("backend", 502, "bad gateway")))
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrRateLimit))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrUnavailable)))

	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(NewAPIError("backend", 401, "unauth")))
	assert.False(t, IsRetryable(ErrMissingCredentials))
	assert.False(t, IsRetryable(errors.New("channel_not_found")))
}

func TestIsRetryable_SlackErrors(t *testing.T) {
	assert.True(t, IsRetryable(&slack.RateLimitedError{RetryAfter: time.Second}))
	assert.True(t, IsRetryable(slack.StatusCodeError{Code: 503, Status: "503 Service Unavailable"}))
	assert.False(t, IsRetryable(slack.StatusCodeError{Code: 404, Status: "404 Not Found"}))
}
