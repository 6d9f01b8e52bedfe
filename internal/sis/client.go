package sis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"grade-publisher/internal/config"
	"grade-publisher/internal/logger"
	"grade-publisher/pkg/errors"

	"github.com/rs/zerolog"
)

const maxErrorBody = 512

// Client posts grade batches to the configured SIS endpoint. One call is one attempt.
type Client struct {
	httpClient  *http.Client
	authManager *AuthManager
	log         zerolog.Logger
}

func NewClient(cfg config.PublishingConfig) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: logger.Get(),
	}
	if cfg.Auth.AuthEndpoint != "" {
		c.authManager = NewAuthManager(cfg.Auth)
	}
	return c
}

func (c *Client) Post(ctx context.Context, endpoint string, payload []byte, mimeType string, headers map[string]string) error {
	if len(payload) == 0 {
		return errors.ErrEmptyPayload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if c.authManager != nil {
		token, err := c.authManager.GetToken(ctx)
		if err != nil {
			return errors.NewRetryableError(err, "failed to get auth token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.log.Debug().Str("endpoint", endpoint).Int("bytes", len(payload)).Str("mime_type", mimeType).Msg("Posting grade batch")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.NewRetryableError(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		// Token might be expired, the next attempt will refresh it
		if c.authManager != nil {
			c.authManager.Invalidate()
		}
		return errors.NewRetryableError(statusError(resp.StatusCode, body), "authentication failed")
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.NewRetryableError(statusError(resp.StatusCode, body), "SIS unavailable")
	default:
		return statusError(resp.StatusCode, body)
	}
}

func statusError(code int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return fmt.Errorf("SIS responded with HTTP %d", code)
	}
	return fmt.Errorf("SIS responded with HTTP %d: %s", code, text)
}
