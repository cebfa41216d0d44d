package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/openclaw"
)

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	server, err := NewServer(config)
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client and consumes the welcome stats message.
func dial(t *testing.T, ctx context.Context, server *Server, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeStats, msg.Type)
	}
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server, err := NewServer(newTestConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	if addr := server.GetAddr(); addr == "" || addr == "127.0.0.1:0" {
		t.Fatalf("Server address = %q", addr)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := startServer(t, newTestConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial(t, ctx, server, "")
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestWebSocketToken(t *testing.T) {
	config := newTestConfig(t)
	config.APIToken = "s3cret"
	server := startServer(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v", resp)
	}

	dial(t, ctx, server, "?token=s3cret")
}

func TestMessageBroadcast(t *testing.T) {
	server := startServer(t, newTestConfig(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, server, ""), dial(t, ctx, server, "")}

	data, _ := json.Marshal(TaskUpdateData{TaskID: "t1", Action: "created"})
	server.Broadcast(Message{Type: MessageTypeTaskUpdate, Data: data})

	for i, conn := range clients {
		msg := readMessage(t, ctx, conn)
		if msg.Type != MessageTypeTaskUpdate || msg.Timestamp.IsZero() {
			t.Errorf("client %d got %+v", i, msg)
		}
		var got TaskUpdateData
		if err := json.Unmarshal(msg.Data, &got); err != nil || got.TaskID != "t1" {
			t.Errorf("client %d data = %s", i, msg.Data)
		}
	}
}

func TestHandlerEvents(t *testing.T) {
	config := newTestConfig(t)
	server := startServer(t, config)
	handler := NewHandler(server, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server, "")

	ts0 := "2025-01-01T00:00:00.000Z"
	oldTask := schema.Task{ID: "t1", Title: "Draft", Status: schema.StatusInbox, Pipeline: schema.PipelineContent,
		CreatedBy: "human", CreatedAt: ts0, UpdatedAt: ts0}
	newTask := oldTask
	newTask.Status = schema.StatusActive
	newTask.AssignedTo = "writer"

	handler.OnTaskCreated(oldTask)
	msg := readMessage(t, ctx, conn)
	var created TaskUpdateData
	_ = json.Unmarshal(msg.Data, &created)
	if msg.Type != MessageTypeTaskUpdate || created.Action != "created" || created.Pipeline != "content" {
		t.Errorf("created message = %s", msg.Data)
	}

	handler.OnTaskUpdated(oldTask, newTask)
	msg = readMessage(t, ctx, conn)
	var updated TaskUpdateData
	_ = json.Unmarshal(msg.Data, &updated)
	if updated.Action != "updated" || updated.PreviousStatus != "inbox" || updated.Status != "active" || updated.AssignedTo != "writer" {
		t.Errorf("updated message = %s", msg.Data)
	}

	handler.OnTaskDeleted("t1", newTask)
	msg = readMessage(t, ctx, conn)
	var deleted TaskUpdateData
	_ = json.Unmarshal(msg.Data, &deleted)
	if deleted.Action != "deleted" || deleted.TaskID != "t1" {
		t.Errorf("deleted message = %s", msg.Data)
	}

	file := schema.TasksFile{Version: 1, Tasks: []schema.Task{newTask}, UpdatedAt: "2025-06-01T00:00:00.000Z"}
	if err := config.Index.Replace(ctx, file); err != nil {
		t.Fatal(err)
	}
	handler.OnSyncComplete(file, 1, 3*time.Millisecond)
	msg = readMessage(t, ctx, conn)
	var synced SyncCompleteData
	_ = json.Unmarshal(msg.Data, &synced)
	if msg.Type != MessageTypeSyncComplete || synced.Tasks != 1 || synced.UpdatedAt != file.UpdatedAt {
		t.Errorf("sync message = %+v", msg)
	}
	msg = readMessage(t, ctx, conn)
	var stats struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	}
	_ = json.Unmarshal(msg.Data, &stats)
	if msg.Type != MessageTypeStats || stats.Total != 1 || stats.ByStatus["active"] != 1 {
		t.Errorf("stats message = %s", msg.Data)
	}

	handler.OnAgentStatus("main", openclaw.AgentStatus{AgentID: "main", Status: openclaw.StatusIdle})
	msg = readMessage(t, ctx, conn)
	var status openclaw.AgentStatus
	_ = json.Unmarshal(msg.Data, &status)
	if msg.Type != MessageTypeAgentStatus || status.Status != openclaw.StatusIdle {
		t.Errorf("agent status message = %+v", msg)
	}

	handler.OnConnectionChange(true)
	msg = readMessage(t, ctx, conn)
	var link GatewayConnectionData
	_ = json.Unmarshal(msg.Data, &link)
	if msg.Type != MessageTypeGatewayConnection || !link.Connected {
		t.Errorf("gateway message = %+v", msg)
	}
}
