package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livechat/internal/models"
)

// Client talks to the durable message store behind the REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

func New(baseURL string, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Messages returns every persisted message between identityID and counterpartID, oldest first.
func (c *Client) Messages(ctx context.Context, identityID, counterpartID string) ([]models.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/messages?with=%s", c.baseURL, url.QueryEscape(counterpartID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(models.IdentityHeader, identityID)

	var messages []models.Message
	if err := c.do(req, &messages); err != nil {
		return nil, fmt.Errorf("failed to fetch messages with %s: %w", counterpartID, err)
	}
	return messages, nil
}

// Send persists msg and returns it with the server-assigned id and timestamp.
func (c *Client) Send(ctx context.Context, identityID string, msg models.Message) (models.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(models.IdentityHeader, identityID)

	var created models.Message
	if err := c.do(req, &created); err != nil {
		return models.Message{}, fmt.Errorf("failed to send message: %w", err)
	}
	return created, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr == context.DeadlineExceeded {
			return fmt.Errorf("%w: %w", models.ErrTimeout, ctxErr)
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
