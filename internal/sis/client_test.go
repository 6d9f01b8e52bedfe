package sis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"grade-publisher/internal/config"
	"grade-publisher/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostSendsPayloadAndHeaders(t *testing.T) {
	var (
		gotBody        []byte
		gotContentType string
		gotCustom      string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotBody, _ = io.ReadAll(r.Body)
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Batch")
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(config.PublishingConfig{})
	err := client.Post(context.Background(), server.URL, []byte("a,b\n1,2\n"), "text/csv", map[string]string{"X-Batch": "7"})

	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(gotBody))
	assert.Equal(t, "text/csv", gotContentType)
	assert.Equal(t, "7", gotCustom)
}

func TestPostErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		message   string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: "unknown section", message: "SIS responded with HTTP 400: unknown section"},
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "server error", status: http.StatusBadGateway, retryable: true},
		{name: "unauthorized", status: http.StatusUnauthorized, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(config.PublishingConfig{}).Post(context.Background(), server.URL, []byte("x"), "text/csv", nil)

			require.Error(t, err)
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
			if tt.message != "" {
				assert.Equal(t, tt.message, err.Error())
			}
		})
	}
}

func TestPostEmptyPayload(t *testing.T) {
	err := NewClient(config.PublishingConfig{}).Post(context.Background(), "http://unused", nil, "text/csv", nil)
	assert.True(t, errors.Is(err, errors.ErrEmptyPayload))
}

func TestPostUnreachableEndpointIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := NewClient(config.PublishingConfig{}).Post(context.Background(), url, []byte("x"), "text/csv", nil)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestPostWithBearerToken(t *testing.T) {
	var authCalls int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&authCalls, 1)
		var creds map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, "grader", creds["username"])
		assert.Equal(t, "secret", creds["password"])
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: "tok-1", ExpiresIn: 3600})
	}))
	defer auth.Close()

	var rejectNext int32
	sis := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		if atomic.CompareAndSwapInt32(&rejectNext, 1, 0) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer sis.Close()

	client := NewClient(config.PublishingConfig{
		Auth: config.AuthConfig{AuthEndpoint: auth.URL, Username: "grader", Password: "secret"},
	})
	ctx := context.Background()

	require.NoError(t, client.Post(ctx, sis.URL, []byte("x"), "text/csv", nil))
	require.NoError(t, client.Post(ctx, sis.URL, []byte("x"), "text/csv", nil))
	assert.Equal(t, int32(1), atomic.LoadInt32(&authCalls), "token is cached")

	atomic.StoreInt32(&rejectNext, 1)
	require.Error(t, client.Post(ctx, sis.URL, []byte("x"), "text/csv", nil))
	require.NoError(t, client.Post(ctx, sis.URL, []byte("x"), "text/csv", nil))
	assert.Equal(t, int32(2), atomic.LoadInt32(&authCalls), "401 drops the cached token")
}

func TestAuthFailure(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer auth.Close()

	manager := NewAuthManager(config.AuthConfig{AuthEndpoint: auth.URL, Username: "grader"})
	_, err := manager.GetToken(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAuthenticationFailed))
}
