package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *budget.Tracker) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	b := budget.New(s, 1000, 50, nil)
	srv := NewServer(s, b, &Config{Port: 0})
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, s, b
}

func get(t *testing.T, srv *Server, path string, out interface{}) {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("http://%s%s", srv.GetAddr(), path))
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode %s response: %v", path, err)
	}
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var body map[string]interface{}
	get(t, srv, "/health", &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestServer_Usage(t *testing.T) {
	srv, _, b := newTestServer(t)
	b.TrackCall(context.Background(), 7)

	var stats schema.UsageStats
	get(t, srv, "/api/usage", &stats)
	if stats.Used != 7 {
		t.Errorf("Used = %d, want 7", stats.Used)
	}
	if stats.Limit != 1000 {
		t.Errorf("Limit = %d, want 1000", stats.Limit)
	}
}

func TestServer_SyncDefaultsToIdle(t *testing.T) {
	srv, _, _ := newTestServer(t)

	var p schema.SyncProgress
	get(t, srv, "/api/sync", &p)
	if p.Status != schema.SyncIdle {
		t.Errorf("Status = %q, want idle before any run", p.Status)
	}
}

func TestServer_BroadcastsConflictEvent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.GetAddr()), nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The welcome message seeds the budget snapshot
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	var welcome Message
	if err := json.Unmarshal(data, &welcome); err != nil {
		t.Fatalf("Failed to decode welcome message: %v", err)
	}
	if welcome.Type != MessageTypeBudget {
		t.Fatalf("welcome type = %q, want budget", welcome.Type)
	}

	srv.BroadcastEvent(MessageTypeConflict, ConflictData{
		QueueItemID: 7,
		RemoteID:    "rtx-1",
		Field:       "category",
		Detail:      "remote category changed",
	})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read conflict message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode conflict message: %v", err)
	}
	if msg.Type != MessageTypeConflict {
		t.Errorf("type = %q, want conflict", msg.Type)
	}

	var conflict ConflictData
	if err := json.Unmarshal(msg.Data, &conflict); err != nil {
		t.Fatalf("Failed to decode conflict data: %v", err)
	}
	if conflict.QueueItemID != 7 || conflict.RemoteID != "rtx-1" || conflict.Field != "category" {
		t.Errorf("conflict = %+v, want the broadcast payload", conflict)
	}
}

func TestServer_QueueCounts(t *testing.T) {
	srv, s, _ := newTestServer(t)
	ctx := context.Background()

	item, err := s.EnqueueChange(ctx, "rtx-1", schema.FieldCategory, "a", "b", time.Now())
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if err := s.MarkConflict(ctx, item.ID, "remote changed", time.Now()); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	var body struct {
		Counts    map[string]int     `json:"counts"`
		Conflicts []schema.QueueItem `json:"conflicts"`
	}
	get(t, srv, "/api/queue", &body)
	if body.Counts["conflict"] != 1 {
		t.Errorf("counts = %v, want 1 conflict", body.Counts)
	}
	if len(body.Conflicts) != 1 || body.Conflicts[0].RemoteID != "rtx-1" {
		t.Errorf("conflicts = %+v, want the rtx-1 item", body.Conflicts)
	}
}
