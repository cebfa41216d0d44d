// Package gateway talks to the local OpenClaw gateway process.
//
// Relay forwards allow-listed tool invocations over HTTP behind a circuit
// breaker. Link holds a websocket to the gateway and pushes agent status
// updates into a presence.Sink.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openclaw/polyboard/internal/metrics"
	"github.com/openclaw/polyboard/internal/openclaw"
)

// ToolSendMessage is the only tool allowed by default.
const ToolSendMessage = "send_message"

// maxResponseBytes caps how much of an upstream body is relayed.
const maxResponseBytes = 1 << 20

var (
	// ErrInvalidRequest is returned for malformed invocation payloads.
	ErrInvalidRequest = errors.New("invalid invocation")

	// ErrToolNotAllowed is returned for tools outside the allow list.
	ErrToolNotAllowed = errors.New("tool not allowed")

	// ErrUnreachable is returned when the gateway cannot be contacted.
	ErrUnreachable = errors.New("failed to connect to gateway")

	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("gateway temporarily unavailable")
)

// ConfigSource supplies the gateway port and token. openclaw.Dir
// satisfies it; the file is re-read on every call so edits apply live.
type ConfigSource interface {
	ReadConfig() (*openclaw.Config, error)
}

// InvokeRequest is the body of a tool invocation.
type InvokeRequest struct {
	Tool    string         `json:"tool"`
	AgentID string         `json:"agentId"`
	Params  map[string]any `json:"params,omitempty"`
}

// Validate checks the request against the allow list.
func (r InvokeRequest) Validate(allowed []string) error {
	if r.Tool == "" {
		return fmt.Errorf("%w: tool is required", ErrInvalidRequest)
	}
	if !slices.Contains(allowed, r.Tool) {
		return fmt.Errorf("%w: %q", ErrToolNotAllowed, r.Tool)
	}
	if !openclaw.ValidAgentID(r.AgentID) {
		return fmt.Errorf("%w: invalid agentId", ErrInvalidRequest)
	}
	if r.Tool == ToolSendMessage {
		msg, ok := r.Params["message"].(string)
		if !ok || msg == "" {
			return fmt.Errorf("%w: send_message requires params.message", ErrInvalidRequest)
		}
	}
	return nil
}

// Response is an upstream reply passed through unchanged.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// RelayConfig holds configuration for the relay.
type RelayConfig struct {
	// AllowedTools lists invocable tools (default: send_message)
	AllowedTools []string

	// Host the gateway listens on (default: 127.0.0.1)
	Host string

	// HTTPClient performs the upstream call
	HTTPClient *http.Client

	// Breaker settings
	FailureThreshold uint32
	OpenTimeout      time.Duration

	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// DefaultRelayConfig returns sensible defaults.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		AllowedTools:     []string{ToolSendMessage},
		Host:             "127.0.0.1",
		HTTPClient:       &http.Client{Timeout: 30 * time.Second},
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		Logger:           log.New(os.Stderr, "[gateway] ", log.LstdFlags),
	}
}

// Relay forwards tool invocations to the gateway.
type Relay struct {
	source  ConfigSource
	config  *RelayConfig
	breaker *gobreaker.CircuitBreaker
}

// NewRelay creates a relay reading the gateway location from source.
func NewRelay(source ConfigSource, config *RelayConfig) (*Relay, error) {
	if source == nil {
		return nil, fmt.Errorf("config source cannot be nil")
	}
	defaults := DefaultRelayConfig()
	if config == nil {
		config = defaults
	}
	if len(config.AllowedTools) == 0 {
		config.AllowedTools = defaults.AllowedTools
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.HTTPClient == nil {
		config.HTTPClient = defaults.HTTPClient
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	logger := config.Logger
	threshold := config.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 3,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// a caller giving up is not a gateway failure
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &Relay{source: source, config: config, breaker: breaker}, nil
}

// AllowedTools returns the configured allow list.
func (r *Relay) AllowedTools() []string {
	return slices.Clone(r.config.AllowedTools)
}

// State reports the breaker state.
func (r *Relay) State() gobreaker.State {
	return r.breaker.State()
}

// Invoke validates req and forwards it. Upstream non-2xx replies are not
// errors; they come back as a Response with the upstream status.
func (r *Relay) Invoke(ctx context.Context, req InvokeRequest) (*Response, error) {
	if err := req.Validate(r.config.AllowedTools); err != nil {
		r.config.Metrics.ObserveInvocation(req.Tool, "rejected")
		return nil, err
	}

	cfg, err := r.source.ReadConfig()
	if err != nil {
		r.config.Metrics.ObserveInvocation(req.Tool, "unreachable")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invocation: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/tools/invoke", r.config.Host, cfg.GatewayPort())
	result, err := r.breaker.Execute(func() (interface{}, error) {
		return r.forward(ctx, url, cfg.GatewayToken(), body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.config.Metrics.ObserveInvocation(req.Tool, "open")
			return nil, ErrUnavailable
		}
		r.config.Metrics.ObserveInvocation(req.Tool, "unreachable")
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	resp := result.(*Response)
	r.config.Metrics.ObserveInvocation(req.Tool, strconv.Itoa(resp.StatusCode))
	r.config.Logger.Printf("Invoked %s for %s: %d", req.Tool, req.AgentID, resp.StatusCode)
	return resp, nil
}

func (r *Relay) forward(ctx context.Context, url, token string, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := r.config.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}

	contentType := httpResp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return &Response{StatusCode: httpResp.StatusCode, ContentType: contentType, Body: data}, nil
}
