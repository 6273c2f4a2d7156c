package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// TokenClient exchanges credentials for a short-lived streaming token.
// Credentials travel implicitly (cookies or ambient auth); the endpoint
// takes no request body.
type TokenClient struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewTokenClient creates a client for the token endpoint.
func NewTokenClient(url string, timeout time.Duration, logger zerolog.Logger) *TokenClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TokenClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "token-client").Logger(),
	}
}

// Fetch POSTs to the token endpoint and returns the issued token.
func (c *TokenClient) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request failed: %d - %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if payload.Token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return payload.Token, nil
}
