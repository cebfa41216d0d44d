// Package dashboard serves the board's HTTP API and pushes live updates.
//
// Browsers load the SPA from StaticDir, read and write the board through
// /api/tasks, and subscribe to /ws for task, sync, stats and agent presence
// messages. Everything else under /api is read-only agent directory access
// plus the allow-listed gateway relay.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/gateway"
	"github.com/openclaw/polyboard/internal/index"
	"github.com/openclaw/polyboard/internal/metrics"
	"github.com/openclaw/polyboard/internal/openclaw"
	"github.com/openclaw/polyboard/internal/presence"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeTaskUpdate indicates a task was created, updated, or deleted
	MessageTypeTaskUpdate MessageType = "task_update"

	// MessageTypeSyncComplete indicates tasks.json was re-read
	MessageTypeSyncComplete MessageType = "sync_complete"

	// MessageTypeStats indicates updated board statistics
	MessageTypeStats MessageType = "stats"

	// MessageTypeAgentStatus carries one agent's presence
	MessageTypeAgentStatus MessageType = "agent_status"

	// MessageTypeGatewayConnection reports the gateway link going up or down
	MessageTypeGatewayConnection MessageType = "gateway_connection"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration
type Config struct {
	// Host and Port to listen on (default: 127.0.0.1:3001)
	Host string
	Port int

	// APIToken, when set, is required as a bearer token on /api and as
	// the token query parameter on /ws
	APIToken string

	// StaticDir holds the built SPA. Empty serves an info page instead.
	StaticDir string

	// Controller serves /api/tasks (required)
	Controller *syncctl.Controller

	// Index serves stats and search; nil disables those endpoints
	Index *index.DB

	// Dir is the OpenClaw installation the agent endpoints read from
	Dir openclaw.Dir

	// Presence backs /api/presence; nil reports nothing connected
	Presence *presence.Board

	// Relay forwards gateway invocations; nil disables /api/gateway/invoke
	Relay *gateway.Relay

	// GatewayHost is advertised by /api/gateway/ws-url
	GatewayHost string

	// Gatherer is exposed on /metrics when set
	Gatherer prometheus.Gatherer

	Metrics *metrics.Metrics

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        3001,
		GatewayHost: "127.0.0.1",
		Logger:      log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// Server manages the HTTP API and WebSocket connections
type Server struct {
	config   *Config
	addr     string
	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a new dashboard server
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Controller == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:    config,
		addr:      net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	s.registerAPI(api)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requireToken(api))
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins the HTTP server and broadcast loop
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: relayed invocations may run up to the relay's
		// own client timeout
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
		s.config.Metrics.ClientConnected(-1)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// Broadcast queues a message for all connected clients. Messages are
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.config.Metrics.BroadcastDropped()
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the lock so a slow client does not block connects
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	s.config.Metrics.ClientConnected(1)

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// New clients get current stats so they can render before the next change
	welcome := s.statsMessage(r.Context())
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Clients only listen
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()
		s.config.Metrics.ClientConnected(-1)

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// statsMessage builds a stats message from the index. Without an index
// the message carries no data.
func (s *Server) statsMessage(ctx context.Context) Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if s.config.Index == nil {
		return msg
	}
	stats, err := s.config.Index.Stats(ctx)
	if err != nil {
		s.logger.Printf("Failed to compute stats: %v", err)
		return msg
	}
	msg.Data, _ = json.Marshal(stats)
	return msg
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleRoot serves the SPA, falling back to index.html for client-side
// routes, or a basic info page when no static dir is configured.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.StaticDir != "" {
		s.serveStatic(w, r)
		return
	}
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Polyboard</title>
</head>
<body>
    <h1>Polyboard Server</h1>
    <p>Tasks API: <code>/api/tasks</code></p>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Set a static directory to serve the dashboard UI.</p>
</body>
</html>`, r.Host)
}

func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	root := http.Dir(s.config.StaticDir)
	f, err := root.Open(r.URL.Path)
	if err == nil {
		info, statErr := f.Stat()
		_ = f.Close()
		if statErr == nil && !info.IsDir() {
			http.FileServer(root).ServeHTTP(w, r)
			return
		}
	}
	http.ServeFile(w, r, filepath.Join(s.config.StaticDir, "index.html"))
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
