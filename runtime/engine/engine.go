// Package engine is the HTTP client for the workflow engine's control plane:
// session bootstrap (start-or-resume with an existence preflight) and durable
// tool-response delivery.
//
// Bootstrap calls retry transient failures; tool-response submission is
// attempted once per call, the UI owns the retry affordance.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type (
	// Option configures the engine client.
	Option func(*Client)

	// Client talks to the engine's HTTP surface.
	Client struct {
		baseURL string
		http    *http.Client
		headers http.Header
		retry   RetryConfig
	}

	startChatRequest struct {
		EnterpriseID string `json:"enterpriseId"`
		WorkflowName string `json:"workflowName"`
		UserID       string `json:"userId"`
	}

	startChatResponse struct {
		ChatID string `json:"chatId"`
		Reused bool   `json:"reused"`
	}

	existsResponse struct {
		Exists bool `json:"exists"`
	}

	toolResponseRequest struct {
		EventID      string         `json:"eventId"`
		ResponseData map[string]any `json:"responseData"`
	}
)

// ErrChatNotFound indicates the engine no longer knows the chat or event the
// call referenced.
var ErrChatNotFound = errors.New("chat not found")

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		if cl.headers == nil {
			cl.headers = make(http.Header)
		}
		cl.headers.Add(name, value)
	}
}

// WithBearerToken sends an Authorization Bearer token on every request.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithRetryConfig overrides the bootstrap retry behavior.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(cl *Client) { cl.retry = cfg }
}

// New constructs a Client for the engine at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8420"
	}
	cl := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		headers: make(http.Header),
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: 30 * time.Second}
	}
	return cl, nil
}

// StartChat starts or resumes the chat for (enterprise, workflow, user). The
// engine reports whether an existing chat was reused.
func (c *Client) StartChat(ctx context.Context, enterpriseID, workflowName, userID string) (string, bool, error) {
	if enterpriseID == "" || workflowName == "" || userID == "" {
		return "", false, errors.New("enterprise id, workflow name and user id are required")
	}

	var out startChatResponse
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.postJSON(ctx, "/v1/chats", startChatRequest{
			EnterpriseID: enterpriseID,
			WorkflowName: workflowName,
			UserID:       userID,
		}, &out)
	})
	if err != nil {
		return "", false, fmt.Errorf("start chat: %w", err)
	}
	if out.ChatID == "" {
		return "", false, errors.New("start chat: engine returned no chat id")
	}
	return out.ChatID, out.Reused, nil
}

// ChatExists preflights whether the chat is still known to the engine. An
// unknown chat is (false, nil), not an error.
func (c *Client) ChatExists(ctx context.Context, enterpriseID, workflowName, chatID string) (bool, error) {
	if enterpriseID == "" || workflowName == "" || chatID == "" {
		return false, errors.New("enterprise id, workflow name and chat id are required")
	}

	path := "/v1/chats/" + url.PathEscape(enterpriseID) +
		"/" + url.PathEscape(workflowName) +
		"/" + url.PathEscape(chatID)

	var out existsResponse
	var missing bool
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		missing = false
		err := c.getJSON(ctx, path, &out)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
			missing = true
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("chat exists: %w", err)
	}
	if missing {
		return false, nil
	}
	return out.Exists, nil
}

// SubmitToolResponse delivers a widget's answer for durable server-side
// acknowledgment. One attempt per call.
func (c *Client) SubmitToolResponse(ctx context.Context, eventID string, responseData map[string]any) error {
	if eventID == "" {
		return errors.New("event id is required")
	}

	err := c.postJSON(ctx, "/v1/tool-responses", toolResponseRequest{
		EventID:      eventID,
		ResponseData: responseData,
	}, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusNotFound {
		return fmt.Errorf("submit tool response: %w: event %q", ErrChatNotFound, eventID)
	}
	if err != nil {
		return fmt.Errorf("submit tool response: %w", err)
	}
	return nil
}

// postJSON issues a POST with a JSON body and decodes a JSON response into
// out when out is non-nil.
func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// getJSON issues a GET and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode engine response: %w", err)
	}
	return nil
}
