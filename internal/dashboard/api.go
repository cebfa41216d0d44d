package dashboard

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/gateway"
	"github.com/openclaw/polyboard/internal/index"
	"github.com/openclaw/polyboard/internal/openclaw"
	"github.com/openclaw/polyboard/internal/presence"
)

// maxBodyBytes bounds request bodies on write endpoints.
const maxBodyBytes = 10 << 20

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", s.handleGetTasks)
	mux.HandleFunc("PUT /api/tasks", s.handlePutTasks)
	mux.HandleFunc("GET /api/tasks/stats", s.handleStats)
	mux.HandleFunc("GET /api/tasks/search", s.handleSearch)

	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleAgentStatus)
	mux.HandleFunc("GET /api/agents/{id}/identity", s.handleAgentFile(openclaw.Dir.ReadIdentity))
	mux.HandleFunc("GET /api/agents/{id}/memory", s.handleAgentFile(openclaw.Dir.ReadMemory))
	mux.HandleFunc("GET /api/agents/{id}/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/transcript", s.handleTranscript)
	mux.HandleFunc("GET /api/presence", s.handlePresence)

	mux.HandleFunc("GET /api/gateway/ws-url", s.handleGatewayURL)
	mux.HandleFunc("POST /api/gateway/invoke", s.handleInvoke)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.config.APIToken == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		// browsers cannot set headers on a WebSocket upgrade
		got = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.config.APIToken)) == 1
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Controller.Get(r.Context()))
}

func (s *Server) handlePutTasks(w http.ResponseWriter, r *http.Request) {
	req, err := syncctl.DecodePutRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err == nil {
		var res syncctl.PutResult
		res, err = s.config.Controller.Put(r.Context(), req)
		if err == nil {
			writeJSON(w, http.StatusOK, res)
			return
		}
	}

	var conflict *syncctl.ConflictError
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   syncctl.ErrConflict.Error(),
			"current": conflict.Current,
		})
	case errors.Is(err, syncctl.ErrPreconditionRequired):
		writeError(w, http.StatusPreconditionRequired, err.Error())
	case errors.Is(err, syncctl.ErrInvalidTasks):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("Failed to save tasks: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to save tasks")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.config.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "index unavailable")
		return
	}
	stats, err := s.config.Index.Stats(r.Context())
	if err != nil {
		s.logger.Printf("Failed to compute stats: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.config.Index == nil {
		writeError(w, http.StatusServiceUnavailable, "index unavailable")
		return
	}
	q := r.URL.Query()
	filter := index.SearchFilter{
		Status:     q.Get("status"),
		Pipeline:   q.Get("pipeline"),
		AssignedTo: q.Get("assignedTo"),
		Tag:        q.Get("tag"),
		Query:      q.Get("q"),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	tasks, err := s.config.Index.Search(r.Context(), filter)
	if err != nil {
		s.logger.Printf("Search failed: %v", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Dir.ReadConfig()
	if err != nil {
		s.logger.Printf("Failed to read OpenClaw config: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read OpenClaw config")
		return
	}
	if cfg == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "OpenClaw config not found",
			"hint":  "set OPENCLAW_CONFIG_PATH to your OpenClaw directory",
			"path":  s.config.Dir.ConfigPath(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"config": cfg.Redacted(),
		"path":   s.config.Dir.ConfigPath(),
	})
}

// agentID extracts and checks the {id} path segment.
func agentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !openclaw.ValidAgentID(id) {
		writeError(w, http.StatusBadRequest, "invalid agent id")
		return "", false
	}
	return id, true
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	status, found, err := s.config.Dir.ReadStatus(id)
	if err != nil {
		s.logger.Printf("Failed to read status for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to read agent status")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "agent status not found")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAgentFile serves one of an agent's markdown files.
func (s *Server) handleAgentFile(read func(openclaw.Dir, string) (string, bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := agentID(w, r)
		if !ok {
			return
		}
		content, found, err := read(s.config.Dir, id)
		if err != nil {
			s.logger.Printf("Failed to read %s for %s: %v", r.URL.Path, id, err)
			writeError(w, http.StatusInternalServerError, "failed to read agent file")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "agent file not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"agentId": id, "content": content})
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	id, ok := agentID(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	sessions, err := s.config.Dir.RecentSessions(id, limit)
	if err != nil {
		s.logger.Printf("Failed to list sessions for %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agentId": id, "sessions": sessions})
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxLines, err := intParam(q.Get("maxLines"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "maxLines must be a non-negative integer")
		return
	}
	lines, err := s.config.Dir.ReadTranscript(q.Get("agentId"), q.Get("sessionId"), maxLines)
	if err != nil {
		if errors.Is(err, openclaw.ErrInvalidPath) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Printf("Failed to read transcript: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agentId":   q.Get("agentId"),
		"sessionId": q.Get("sessionId"),
		"lines":     lines,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.config.Presence == nil {
		writeJSON(w, http.StatusOK, presence.NewBoard().Snapshot())
		return
	}
	writeJSON(w, http.StatusOK, s.config.Presence.Snapshot())
}

func (s *Server) handleGatewayURL(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.config.Dir.ReadConfig()
	if err != nil {
		s.logger.Printf("Warning: %v; advertising the default gateway port", err)
		cfg = nil
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": gateway.URL(cfg, s.config.GatewayHost)})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.config.Relay == nil {
		writeError(w, http.StatusServiceUnavailable, "gateway relay disabled")
		return
	}
	var req gateway.InvokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := s.config.Relay.Invoke(r.Context(), req)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", resp.ContentType)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(resp.Body)
	case errors.Is(err, gateway.ErrToolNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, gateway.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, gateway.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gateway.ErrUnreachable):
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   gateway.ErrUnreachable.Error(),
			"details": err.Error(),
		})
	default:
		s.logger.Printf("Invocation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "invocation failed")
	}
}

// intParam parses an optional non-negative integer query parameter.
func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
