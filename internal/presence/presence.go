// Package presence tracks agent liveness.
//
// Two independent producers feed it: a Poller reading STATUS.json files
// and the gateway link pushing live updates. Both write through the Sink
// interface, so consumers never care which one reported a change.
package presence

import (
	"sort"
	"sync"

	"github.com/openclaw/polyboard/internal/openclaw"
)

// Sink receives agent presence updates.
type Sink interface {
	OnAgentStatus(agentID string, status openclaw.AgentStatus)
	OnConnectionChange(connected bool)
}

// Board is a thread-safe snapshot of the latest presence updates.
type Board struct {
	mu        sync.RWMutex
	statuses  map[string]openclaw.AgentStatus
	connected bool
}

// NewBoard creates an empty presence board.
func NewBoard() *Board {
	return &Board{statuses: make(map[string]openclaw.AgentStatus)}
}

// OnAgentStatus implements Sink.
func (b *Board) OnAgentStatus(agentID string, status openclaw.AgentStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[agentID] = status
}

// OnConnectionChange implements Sink.
func (b *Board) OnConnectionChange(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// Status returns the latest status for one agent.
func (b *Board) Status(agentID string) (openclaw.AgentStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.statuses[agentID]
	return s, ok
}

// Snapshot is a point-in-time copy of the board.
type Snapshot struct {
	Connected bool                   `json:"connected"`
	Statuses  []openclaw.AgentStatus `json:"statuses"`
}

// Snapshot returns all statuses ordered by agent id.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.statuses))
	for id := range b.statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := Snapshot{Connected: b.connected, Statuses: make([]openclaw.AgentStatus, 0, len(ids))}
	for _, id := range ids {
		out.Statuses = append(out.Statuses, b.statuses[id])
	}
	return out
}

// Fanout forwards every update to each of its sinks in order.
type Fanout []Sink

// OnAgentStatus implements Sink.
func (f Fanout) OnAgentStatus(agentID string, status openclaw.AgentStatus) {
	for _, s := range f {
		s.OnAgentStatus(agentID, status)
	}
}

// OnConnectionChange implements Sink.
func (f Fanout) OnConnectionChange(connected bool) {
	for _, s := range f {
		s.OnConnectionChange(connected)
	}
}
