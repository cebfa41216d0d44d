// Package openclaw reads the OpenClaw installation directory: the gateway
// configuration, per-agent status and profile files, and session
// transcripts. Everything here is read-only.
package openclaw

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultGatewayPort is used when the configuration does not name one.
const DefaultGatewayPort = 18789

// Agent status values reported in STATUS.json.
const (
	StatusWorking = "working"
	StatusIdle    = "idle"
	StatusError   = "error"
	StatusOffline = "offline"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidAgentID reports whether id is safe to use as a path component.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// ErrInvalidPath is returned for agent or session ids that would escape
// the agent directory.
var ErrInvalidPath = errors.New("invalid path")

// Agent is one entry of agents.list in openclaw.json.
type Agent struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
}

// GatewayConfig is the gateway section of openclaw.json.
type GatewayConfig struct {
	Port      int    `json:"port,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
	Auth      struct {
		Token string `json:"token,omitempty"`
	} `json:"auth,omitempty"`
}

// Token returns the gateway bearer token, preferring auth.token.
func (g *GatewayConfig) Token() string {
	if g == nil {
		return ""
	}
	if g.Auth.Token != "" {
		return g.Auth.Token
	}
	return g.AuthToken
}

// Config is the subset of openclaw.json the dashboard understands.
type Config struct {
	Agents struct {
		List []Agent `json:"list,omitempty"`
	} `json:"agents"`
	Gateway *GatewayConfig `json:"gateway,omitempty"`
}

// GatewayPort returns the configured gateway port or the default.
func (c *Config) GatewayPort() int {
	if c == nil || c.Gateway == nil || c.Gateway.Port == 0 {
		return DefaultGatewayPort
	}
	return c.Gateway.Port
}

// GatewayToken returns the configured gateway token, if any.
func (c *Config) GatewayToken() string {
	if c == nil {
		return ""
	}
	return c.Gateway.Token()
}

// Redacted returns a copy without the gateway section, safe to serve.
func (c *Config) Redacted() *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Agents.List = append([]Agent(nil), c.Agents.List...)
	out.Gateway = nil
	return &out
}

// AgentStatus is the content of an agent's STATUS.json.
type AgentStatus struct {
	AgentID       string `json:"agentId"`
	Status        string `json:"status"`
	StatusReason  string `json:"statusReason,omitempty"`
	LastHeartbeat string `json:"lastHeartbeat"`
	CurrentTask   string `json:"currentTask,omitempty"`
}

// Dir is an OpenClaw installation rooted at Root.
type Dir struct {
	Root string
}

// ConfigPath returns the path of openclaw.json.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.Root, "openclaw.json")
}

// MissionControlPath returns the directory holding the task board.
func (d Dir) MissionControlPath() string {
	return filepath.Join(d.Root, "mission-control")
}

// TasksPath returns the path of tasks.json.
func (d Dir) TasksPath() string {
	return filepath.Join(d.MissionControlPath(), "tasks.json")
}

// AgentPath returns an agent's directory.
func (d Dir) AgentPath(id string) string {
	return filepath.Join(d.Root, "agents", id)
}

// ReadConfig parses openclaw.json. A missing file returns (nil, nil).
func (d Dir) ReadConfig() (*Config, error) {
	data, err := os.ReadFile(d.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", d.ConfigPath(), err)
	}
	return &cfg, nil
}

// ReadStatus reads an agent's STATUS.json. ok is false when the agent has
// no status file.
func (d Dir) ReadStatus(id string) (status AgentStatus, ok bool, err error) {
	if !ValidAgentID(id) {
		return AgentStatus{}, false, fmt.Errorf("agent %q: %w", id, ErrInvalidPath)
	}
	data, found, err := readOptional(filepath.Join(d.AgentPath(id), "STATUS.json"))
	if err != nil || !found {
		return AgentStatus{}, false, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return AgentStatus{}, false, fmt.Errorf("failed to parse status for %s: %w", id, err)
	}
	if status.AgentID == "" {
		status.AgentID = id
	}
	return status, true, nil
}

// ReadIdentity returns IDENTITY.md, falling back to SOUL.md.
func (d Dir) ReadIdentity(id string) (string, bool, error) {
	if !ValidAgentID(id) {
		return "", false, fmt.Errorf("agent %q: %w", id, ErrInvalidPath)
	}
	for _, name := range []string{"IDENTITY.md", "SOUL.md"} {
		data, found, err := readOptional(filepath.Join(d.AgentPath(id), name))
		if err != nil {
			return "", false, err
		}
		if found {
			return string(data), true, nil
		}
	}
	return "", false, nil
}

// ReadMemory returns MEMORY.md.
func (d Dir) ReadMemory(id string) (string, bool, error) {
	if !ValidAgentID(id) {
		return "", false, fmt.Errorf("agent %q: %w", id, ErrInvalidPath)
	}
	data, found, err := readOptional(filepath.Join(d.AgentPath(id), "MEMORY.md"))
	if err != nil || !found {
		return "", false, err
	}
	return string(data), true, nil
}

// DefaultSessionLimit is used when RecentSessions is given a limit <= 0.
const DefaultSessionLimit = 10

// RecentSessions lists session file names, newest first. Session names
// sort chronologically, so newest is lexicographically last.
func (d Dir) RecentSessions(id string, limit int) ([]string, error) {
	if !ValidAgentID(id) {
		return nil, fmt.Errorf("agent %q: %w", id, ErrInvalidPath)
	}
	if limit <= 0 {
		limit = DefaultSessionLimit
	}
	entries, err := os.ReadDir(filepath.Join(d.AgentPath(id), "sessions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list sessions for %s: %w", id, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

// ResolveSessionPath returns the absolute path of a session transcript,
// rejecting ids that are not a bare *.jsonl file name.
func (d Dir) ResolveSessionPath(agentID, sessionID string) (string, error) {
	if !ValidAgentID(agentID) {
		return "", fmt.Errorf("agent %q: %w", agentID, ErrInvalidPath)
	}
	if sessionID == "" || sessionID != filepath.Base(sessionID) ||
		strings.ContainsAny(sessionID, `/\`) || strings.Contains(sessionID, "..") ||
		!strings.HasSuffix(sessionID, ".jsonl") {
		return "", fmt.Errorf("session %q: %w", sessionID, ErrInvalidPath)
	}
	dir, err := filepath.Abs(filepath.Join(d.AgentPath(agentID), "sessions"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve sessions dir: %w", err)
	}
	return filepath.Join(dir, sessionID), nil
}

// DefaultTranscriptLines is used when ReadTranscript is given maxLines <= 0.
const DefaultTranscriptLines = 50

// ReadTranscript returns the last maxLines lines of a session transcript.
// A missing transcript yields no lines.
func (d Dir) ReadTranscript(agentID, sessionID string, maxLines int) ([]string, error) {
	path, err := d.ResolveSessionPath(agentID, sessionID)
	if err != nil {
		return nil, err
	}
	if maxLines <= 0 {
		maxLines = DefaultTranscriptLines
	}
	data, found, err := readOptional(path)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(string(data))
	if !found || content == "" {
		return []string{}, nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

func readOptional(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, true, nil
}
