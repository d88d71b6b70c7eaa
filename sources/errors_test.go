package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = RetryPolicy{Attempts: 3, BaseBackoff: time.Millisecond}

func TestGetWithRetryRecoversFromTransientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := GetWithRetry(context.Background(), server.Client(), "test", server.URL, fastPolicy)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestGetWithRetryGivesUpAfterAttempts(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := GetWithRetry(context.Background(), server.Client(), "test", server.URL, fastPolicy)
	require.Error(t, err)

	var unavailable *SourceUnavailableError
	assert.ErrorAs(t, err, &unavailable)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestGetWithRetryStopsImmediatelyOnRateLimit(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := GetWithRetry(context.Background(), server.Client(), "test", server.URL, fastPolicy)
	require.Error(t, err)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 120*time.Second, rl.RetryAfter)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "429 wird nicht hart retried")
	assert.True(t, IsRateLimited(err))
}

func TestGetWithRetryDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := GetWithRetry(context.Background(), server.Client(), "test", server.URL, fastPolicy)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.False(t, IsRateLimited(err))
	assert.ErrorIs(t, err, ErrNotFound, "404 ist als Not-Found unterscheidbar")
}

func TestGetWithRetryHonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := GetWithRetry(ctx, server.Client(), "test", server.URL,
		RetryPolicy{Attempts: 5, BaseBackoff: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSourceUnavailableErrorUnwraps(t *testing.T) {
	inner := errors.New("connection refused")
	err := &SourceUnavailableError{Source: "clinical_trials", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "clinical_trials")
}
