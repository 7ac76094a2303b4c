// Package api is the REST client for the delivery backend endpoints the sync
// core depends on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dukerupert/driverlink/internal/apperr"
	"github.com/dukerupert/driverlink/internal/location"

	"github.com/google/uuid"
)

const defaultTimeout = 15 * time.Second

// TokenSource supplies the bearer credential for authenticated calls.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// Config holds the REST client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the delivery API. Every request is bounded by the configured
// timeout and fails with an apperr.Error; nothing is retried except a single
// forced token refresh after a 401.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
}

// New creates a client. tokens may be nil for a client that only logs in.
func New(cfg Config, tokens TokenSource, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{},
		tokens:     tokens,
		logger:     logger,
	}
}

// Login exchanges driver credentials for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp loginResponse
	if err := c.do(ctx, "login", http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &resp, false); err != nil {
		return "", err
	}
	tok := resp.token()
	if tok == "" {
		return "", apperr.New(apperr.ErrAuth, "login", fmt.Errorf("response carried no token"))
	}
	return tok, nil
}

// Profile fetches the authenticated driver's profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, "profile", http.MethodGet, "/mobile/v1/profile", nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListNotifications fetches one page of the notification list.
func (c *Client) ListNotifications(ctx context.Context, page, pageSize int) (*NotificationPage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))

	var p NotificationPage
	if err := c.do(ctx, "list notifications", http.MethodGet, "/notifications?"+q.Encode(), nil, &p, true); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, "mark notification read", http.MethodPatch, "/notifications/"+url.PathEscape(id)+"/read", nil, nil, true)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, "mark all notifications read", http.MethodPatch, "/notifications/read-all", nil, nil, true)
}

// UpdateLocation posts a single sample. It is the degraded path used while
// the live channel is down.
func (c *Client) UpdateLocation(ctx context.Context, s location.Sample) error {
	return c.do(ctx, "update location", http.MethodPost, "/location/update", s, nil, true)
}

func (c *Client) BulkUpdateLocation(ctx context.Context, samples []location.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return c.do(ctx, "bulk update location", http.MethodPost, "/location/bulk-update", bulkLocationRequest{Locations: samples}, nil, true)
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, authed bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
	}

	token := ""
	if authed {
		if c.tokens == nil {
			return apperr.New(apperr.ErrAuth, op, fmt.Errorf("no token source"))
		}
		var err error
		if token, err = c.tokens.Token(ctx, false); err != nil {
			return err
		}
	}

	status, err := c.roundTrip(ctx, op, method, path, body, token, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && authed {
		c.logger.Info("token rejected, refreshing", "op", op)
		if token, err = c.tokens.Token(ctx, true); err != nil {
			return err
		}
		status, err = c.roundTrip(ctx, op, method, path, body, token, out)
		if err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.Status(apperr.ErrAuth, op, status)
	case status >= 400:
		return apperr.Status(apperr.ErrNetwork, op, status)
	}
	return nil
}

// roundTrip performs one request. It returns the status code for any
// response; the body is decoded into out only on 2xx.
func (c *Client) roundTrip(ctx context.Context, op, method, path string, body []byte, token string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api request", "op", op, "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return 0, apperr.Network(op, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}
