// Package client is an HTTP client for the task sync protocol.
package client

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

	"github.com/openclaw/polyboard/internal/board/schema"
)

var (
	// ErrPreconditionRequired mirrors a 428 response.
	ErrPreconditionRequired = errors.New("server requires baseUpdatedAt")

	// ErrConflict mirrors a 409 response.
	ErrConflict = errors.New("version conflict")

	// ErrNotFound mirrors a 404 response.
	ErrNotFound = errors.New("not found")
)

// ConflictError carries the server's current board from a 409 response.
type ConflictError struct {
	Message string
	Current schema.TasksFile
}

func (e *ConflictError) Error() string {
	if e.Message == "" {
		return ErrConflict.Error()
	}
	return fmt.Sprintf("%v: %s", ErrConflict, e.Message)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrPreconditionRequired:
		return e.StatusCode == http.StatusPreconditionRequired
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// SaveResult is the body of a successful save.
type SaveResult struct {
	Success   bool   `json:"success"`
	UpdatedAt string `json:"updatedAt"`
}

// Client talks to a board server.
type Client struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchTasks returns the current board.
func (c *Client) FetchTasks(ctx context.Context) (schema.TasksFile, error) {
	var file schema.TasksFile
	if err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &file); err != nil {
		return schema.TasksFile{}, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	if file.Tasks == nil {
		file.Tasks = []schema.Task{}
	}
	return file, nil
}

// SaveTasks submits a conditional write. An empty base sends no token and
// is answered with ErrPreconditionRequired.
func (c *Client) SaveTasks(ctx context.Context, tasks []schema.Task, base string) (SaveResult, error) {
	if tasks == nil {
		tasks = []schema.Task{}
	}
	body := map[string]any{"tasks": tasks}
	if base != "" {
		body["baseUpdatedAt"] = base
	}

	var res SaveResult
	if err := c.do(ctx, http.MethodPut, "/api/tasks", body, &res); err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// FetchAgentStatus returns an agent's raw STATUS.json document.
func (c *Client) FetchAgentStatus(ctx context.Context, agentID string) (json.RawMessage, error) {
	var raw json.RawMessage
	path := "/api/agents/" + url.PathEscape(agentID) + "/status"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch status for %s: %w", agentID, err)
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		var payload struct {
			Error   string           `json:"error"`
			Current schema.TasksFile `json:"current"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("failed to decode conflict response: %w", err)
		}
		if payload.Current.Tasks == nil {
			payload.Current.Tasks = []schema.Task{}
		}
		return &ConflictError{Message: payload.Error, Current: payload.Current}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &payload)
		return &StatusError{StatusCode: resp.StatusCode, Message: payload.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
