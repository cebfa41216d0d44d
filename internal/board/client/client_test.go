package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openclaw/polyboard/internal/board/schema"
)

func TestFetchTasks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tasks" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"version":1,"tasks":null,"updatedAt":"1970-01-01T00:00:00.000Z"}`))
	}))
	defer srv.Close()

	file, err := New(srv.URL+"/", "secret").FetchTasks(context.Background())
	if err != nil {
		t.Fatalf("FetchTasks failed: %v", err)
	}
	if file.UpdatedAt != schema.SentinelUpdatedAt || file.Tasks == nil {
		t.Errorf("FetchTasks = %+v", file)
	}
}

func TestSaveTasks_Responses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, res SaveResult, err error)
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body:   `{"success":true,"updatedAt":"2025-01-01T00:00:00.000Z"}`,
			check: func(t *testing.T, res SaveResult, err error) {
				if err != nil || res.UpdatedAt != "2025-01-01T00:00:00.000Z" {
					t.Errorf("SaveTasks = %+v, %v", res, err)
				}
			},
		},
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   `{"error":"stale","current":{"version":1,"tasks":[{"id":"x","title":"X","status":"done","pipeline":"general","createdBy":"h","createdAt":"a","updatedAt":"b","tags":[],"notes":[]}],"updatedAt":"2025-02-02T00:00:00.000Z"}}`,
			check: func(t *testing.T, _ SaveResult, err error) {
				var ce *ConflictError
				if !errors.As(err, &ce) || !errors.Is(err, ErrConflict) {
					t.Fatalf("error = %v, want *ConflictError", err)
				}
				if len(ce.Current.Tasks) != 1 || ce.Current.UpdatedAt != "2025-02-02T00:00:00.000Z" {
					t.Errorf("Current = %+v", ce.Current)
				}
			},
		},
		{
			name:   "precondition required",
			status: http.StatusPreconditionRequired,
			body:   `{"error":"baseUpdatedAt is required"}`,
			check: func(t *testing.T, _ SaveResult, err error) {
				if !errors.Is(err, ErrPreconditionRequired) {
					t.Errorf("error = %v, want ErrPreconditionRequired", err)
				}
			},
		},
		{
			name:   "bad request",
			status: http.StatusBadRequest,
			body:   `{"error":"tasks must be an array"}`,
			check: func(t *testing.T, _ SaveResult, err error) {
				var se *StatusError
				if !errors.As(err, &se) || se.StatusCode != 400 || se.Message != "tasks must be an array" {
					t.Errorf("error = %v, want 400 StatusError", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := New(srv.URL, "").SaveTasks(context.Background(), nil, "tok")
			tt.check(t, res, err)
		})
	}
}

func TestSaveTasks_OmitsEmptyBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Error(err)
			return
		}
		if _, ok := body["baseUpdatedAt"]; ok {
			t.Error("baseUpdatedAt should be omitted when empty")
		}
		if string(body["tasks"]) != "[]" {
			t.Errorf("tasks = %s, want []", body["tasks"])
		}
		w.WriteHeader(http.StatusPreconditionRequired)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").SaveTasks(context.Background(), nil, "")
	if !errors.Is(err, ErrPreconditionRequired) {
		t.Errorf("error = %v", err)
	}
}

func TestFetchAgentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/agents/main/status" {
			_, _ = w.Write([]byte(`{"state":"working"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Status not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	raw, err := c.FetchAgentStatus(context.Background(), "main")
	if err != nil || string(raw) != `{"state":"working"}` {
		t.Errorf("FetchAgentStatus(main) = %s, %v", raw, err)
	}
	if _, err := c.FetchAgentStatus(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchAgentStatus(ghost) error = %v, want ErrNotFound", err)
	}
}
