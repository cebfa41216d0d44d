package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/openclaw"
)

// TaskUpdateData contains task change information
type TaskUpdateData struct {
	TaskID         string `json:"taskId"`
	Action         string `json:"action"` // created, updated, deleted
	Status         string `json:"status,omitempty"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	Title          string `json:"title,omitempty"`
	Pipeline       string `json:"pipeline,omitempty"`
	AssignedTo     string `json:"assignedTo,omitempty"`
}

// SyncCompleteData contains sync completion information
type SyncCompleteData struct {
	UpdatedAt  string `json:"updatedAt"`
	Tasks      int    `json:"tasks"`
	Changes    int    `json:"changes"`
	DurationMs int64  `json:"durationMs"`
}

// GatewayConnectionData reports the gateway link state
type GatewayConnectionData struct {
	Connected bool `json:"connected"`
}

// Handler turns daemon and presence events into dashboard messages.
// It satisfies daemon.Handler and presence.Sink.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// OnTaskCreated handles task creation events
func (h *Handler) OnTaskCreated(task schema.Task) {
	h.logger.Printf("Task created: %s (%s)", task.ID, task.Title)
	h.send(MessageTypeTaskUpdate, taskUpdate("created", task))
}

// OnTaskUpdated handles task update events
func (h *Handler) OnTaskUpdated(oldTask, newTask schema.Task) {
	h.logger.Printf("Task updated: %s (%s)", newTask.ID, newTask.Title)
	data := taskUpdate("updated", newTask)
	if oldTask.Status != newTask.Status {
		data.PreviousStatus = string(oldTask.Status)
	}
	h.send(MessageTypeTaskUpdate, data)
}

// OnTaskDeleted handles task deletion events
func (h *Handler) OnTaskDeleted(taskID string, oldTask schema.Task) {
	h.logger.Printf("Task deleted: %s", taskID)
	h.send(MessageTypeTaskUpdate, TaskUpdateData{
		TaskID: taskID,
		Action: "deleted",
		Status: string(oldTask.Status),
		Title:  oldTask.Title,
	})
}

// OnSyncComplete reports the sync and follows it with fresh stats, so
// clients get one stats message per batch of task changes.
func (h *Handler) OnSyncComplete(file schema.TasksFile, changes int, duration time.Duration) {
	h.send(MessageTypeSyncComplete, SyncCompleteData{
		UpdatedAt:  file.UpdatedAt,
		Tasks:      len(file.Tasks),
		Changes:    changes,
		DurationMs: duration.Milliseconds(),
	})
	h.UpdateStats()
}

// OnAgentStatus forwards an agent's presence
func (h *Handler) OnAgentStatus(agentID string, status openclaw.AgentStatus) {
	h.send(MessageTypeAgentStatus, status)
}

// OnConnectionChange reports the gateway link going up or down
func (h *Handler) OnConnectionChange(connected bool) {
	h.logger.Printf("Gateway connected: %v", connected)
	h.send(MessageTypeGatewayConnection, GatewayConnectionData{Connected: connected})
}

// UpdateStats broadcasts current statistics from the index
func (h *Handler) UpdateStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := h.server.statsMessage(ctx)
	if msg.Data == nil {
		return
	}
	h.server.Broadcast(msg)
}

func (h *Handler) send(typ MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	})
}

func taskUpdate(action string, task schema.Task) TaskUpdateData {
	return TaskUpdateData{
		TaskID:     task.ID,
		Action:     action,
		Status:     string(task.Status),
		Title:      task.Title,
		Pipeline:   string(task.Pipeline),
		AssignedTo: task.AssignedTo,
	}
}
