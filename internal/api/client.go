// Package api is the HTTP client for the chat backend.
//
// Every request goes through doRequest, which retries transport failures
// (no response, 5xx, 429) under its own retry.Strategy and classifies
// everything else into the domain error taxonomy.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/retry"
)

const defaultTimeout = 30 * time.Second

// Config holds what the client needs to reach the API.
type Config struct {
	BaseURL string
	APIKey  string
	Token   string // User JWT
	Timeout time.Duration
}

// Client talks to the chat REST API.
type Client struct {
	baseURL    string
	apiKey     string
	token      string
	httpClient *http.Client
	newRetry   func() retry.Strategy
	logger     *slog.Logger
}

// NewClient creates a new API client. newStrategy is called once per
// request; the returned strategy governs that request's retries only.
func NewClient(cfg Config, newStrategy func() retry.Strategy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		newRetry: newStrategy,
		logger:   logger,
	}
}

// QueryChannels fetches one page of channels.
func (c *Client) QueryChannels(ctx context.Context, req QueryChannelsRequest) (*ChannelsResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/channels", nil, req)
	if err != nil {
		return nil, err
	}
	return decode[ChannelsResponse]("query channels", body)
}

// MarkAllRead marks every channel of the current user as read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/channels/read", nil, struct{}{})
	return err
}

// QueryUsers fetches users matching a filter.
func (c *Client) QueryUsers(ctx context.Context, req QueryUsersRequest) (*UsersResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode users query: %w", err)
	}
	query := url.Values{}
	query.Set("payload", string(payload))

	body, err := c.doRequest(ctx, http.MethodGet, "/users", query, nil)
	if err != nil {
		return nil, err
	}
	return decode[UsersResponse]("query users", body)
}

// MuteUsers mutes the given users for the current user.
func (c *Client) MuteUsers(ctx context.Context, req MuteUsersRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/moderation/mute", nil, req)
	return err
}

// UnmuteUsers reverses MuteUsers.
func (c *Client) UnmuteUsers(ctx context.Context, req MuteUsersRequest) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/moderation/unmute", nil, req)
	return err
}

// doRequest performs an authenticated request, retrying transport failures
// until the strategy runs out of attempts.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, query.Encode())

	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	op := method + " " + path
	strategy := c.newRetry()
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		body, err := c.send(ctx, op, method, reqURL, data)
		if err == nil {
			return body, nil
		}
		if !domain.IsRetryable(err) {
			return nil, err
		}

		delay, rerr := strategy.Delay()
		if rerr != nil {
			c.logger.Error("request failed after retries", "op", op, "attempts", attempt+1, "error", err)
			return nil, fmt.Errorf("%w: %w", rerr, err)
		}

		c.logger.Warn("request failed, will retry",
			"op", op,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// send performs a single attempt and classifies its outcome.
func (c *Client) send(ctx context.Context, op, method, reqURL string, data []byte) ([]byte, error) {
	var reqBody io.Reader
	if data != nil {
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	req.Header.Set("X-Request-Id", uuid.NewString())

	c.logger.Debug("api request", "op", op)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.ErrAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &domain.TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(apiMessage(body))}
	}

	apiErr := &domain.APIError{StatusCode: resp.StatusCode, Message: apiMessage(body)}
	var er errorResponse
	if json.Unmarshal(body, &er) == nil {
		apiErr.Code = er.Code
	}
	c.logger.Error("api request rejected", "op", op, "status", resp.StatusCode, "message", apiErr.Message)
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, apiErr)
	}
	return nil, apiErr
}

func apiMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Message != "" {
		return er.Message
	}
	return strings.TrimSpace(string(body))
}

func decode[T any](op string, body []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &domain.DecodingError{Op: op, Err: err}
	}
	return &out, nil
}
