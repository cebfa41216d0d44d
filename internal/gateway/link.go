package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/openclaw/polyboard/internal/metrics"
	"github.com/openclaw/polyboard/internal/openclaw"
	"github.com/openclaw/polyboard/internal/presence"
)

// MessageTypeAgentStatus carries an AgentStatus in Message.Data.
const MessageTypeAgentStatus = "agent_status"

// Message is a frame received from the gateway.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// LinkConfig holds configuration for the gateway link.
type LinkConfig struct {
	// ReconnectDelay between connection attempts (default: 3s)
	ReconnectDelay time.Duration

	// MaxAttempts is the number of consecutive failed reconnects before
	// the link gives up (default: 5)
	MaxAttempts uint64

	// Host the gateway listens on (default: 127.0.0.1)
	Host string

	Metrics *metrics.Metrics
	Logger  *log.Logger
}

// DefaultLinkConfig returns sensible defaults.
func DefaultLinkConfig() *LinkConfig {
	return &LinkConfig{
		ReconnectDelay: 3 * time.Second,
		MaxAttempts:    5,
		Host:           "127.0.0.1",
		Logger:         log.New(os.Stderr, "[gateway] ", log.LstdFlags),
	}
}

// ErrGaveUp is returned by Run once reconnect attempts are exhausted.
var ErrGaveUp = errors.New("max reconnection attempts reached")

// Link keeps a websocket open to the gateway and forwards agent status
// frames to a presence.Sink.
type Link struct {
	source ConfigSource
	sink   presence.Sink
	config *LinkConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLink creates a link. Call Start or Run to connect.
func NewLink(source ConfigSource, sink presence.Sink, config *LinkConfig) (*Link, error) {
	if source == nil {
		return nil, fmt.Errorf("config source cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	defaults := DefaultLinkConfig()
	if config == nil {
		config = defaults
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxAttempts == 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.Host == "" {
		config.Host = defaults.Host
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Link{source: source, sink: sink, config: config}, nil
}

// URL returns the gateway websocket address from the current config.
func URL(cfg *openclaw.Config, host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("ws://%s:%d", host, cfg.GatewayPort())
}

// Start runs the link in the background until Stop or ctx is done.
func (l *Link) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Run(l.ctx); err != nil && l.ctx.Err() == nil {
			l.config.Logger.Printf("Gateway link stopped: %v", err)
		}
	}()
}

// Stop closes the link and waits for it to exit.
func (l *Link) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Run connects and serves the gateway until ctx is done or reconnects
// are exhausted. A successful connection resets the attempt budget.
func (l *Link) Run(ctx context.Context) error {
	first := true
	for {
		if !first {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.config.ReconnectDelay):
			}
		}
		first = false

		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.config.Logger.Printf("Max reconnection attempts reached: %v", err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}

		l.setConnected(true)
		err = l.serve(ctx, conn)
		l.setConnected(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.config.Logger.Printf("Gateway disconnected: %v", err)
	}
}

// connect dials with a constant delay between attempts.
func (l *Link) connect(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			l.config.Logger.Printf("Attempting reconnect (%d/%d)", attempt-1, l.config.MaxAttempts)
		}
		c, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		conn = c
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(l.config.ReconnectDelay), l.config.MaxAttempts)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	cfg, err := l.source.ReadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	opts := &websocket.DialOptions{}
	if token := cfg.GatewayToken(); token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, URL(cfg, l.config.Host), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	return conn, nil
}

// serve reads frames until the connection drops.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close(websocket.StatusNormalClosure, "")
	l.config.Logger.Println("Connected to gateway")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		l.handle(data)
	}
}

func (l *Link) handle(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		l.config.Logger.Printf("Failed to parse gateway message: %v", err)
		return
	}

	switch msg.Type {
	case MessageTypeAgentStatus:
		var status openclaw.AgentStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil || status.AgentID == "" {
			l.config.Logger.Printf("Ignoring malformed agent_status message")
			return
		}
		l.sink.OnAgentStatus(status.AgentID, status)
	case "task_update":
		// the file watcher owns task changes
	default:
		l.config.Logger.Printf("Unknown gateway message type: %s", msg.Type)
	}
}

func (l *Link) setConnected(up bool) {
	l.config.Metrics.SetGatewayConnected(up)
	l.sink.OnConnectionChange(up)
}
