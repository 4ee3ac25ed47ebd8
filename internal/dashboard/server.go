// Package dashboard provides the read-only observability surface: JSON
// status endpoints for UI/CLI consumption plus a WebSocket stream of
// sync, queue, and budget events. No write access passes through here.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mwaldron/ledgersync/internal/budget"
	"github.com/mwaldron/ledgersync/internal/schema"
	"github.com/mwaldron/ledgersync/internal/store"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeSyncProgress carries the current SyncProgress row after
	// a full-sync invocation.
	MessageTypeSyncProgress MessageType = "sync_progress"

	// MessageTypeQueueResult carries a queue run summary.
	MessageTypeQueueResult MessageType = "queue_result"

	// MessageTypeConflict flags a queue item that hit a conflict.
	MessageTypeConflict MessageType = "conflict"

	// MessageTypeBudget carries the current usage snapshot.
	MessageTypeBudget MessageType = "budget"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConflictData describes a detected conflict for operator dashboards.
type ConflictData struct {
	QueueItemID int64  `json:"queue_item_id"`
	RemoteID    string `json:"remote_id"`
	Field       string `json:"field"`
	Detail      string `json:"detail"`
}

// Config holds server configuration
type Config struct {
	// Port to listen on
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8380,
		Logger: log.Default(),
	}
}

// Server manages the status endpoints and WebSocket broadcasts.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store  *store.Store
	budget *budget.Tracker

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

// NewServer creates a dashboard server over the given store and tracker.
func NewServer(s *store.Store, b *budget.Tracker, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		store:     s,
		budget:    b,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/usage", s.handleUsage)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/queue", s.handleQueue)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", s.addr)
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
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastEvent marshals payload and broadcasts it under the given type.
func (s *Server) BroadcastEvent(typ MessageType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to marshal %s event: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

// broadcastLoop handles message delivery to all clients
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

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Seed the new client with the current budget snapshot
	if stats, err := s.budget.UsageStats(r.Context()); err == nil {
		if data, err := json.Marshal(stats); err == nil {
			welcome, _ := json.Marshal(Message{
				Type:      MessageTypeBudget,
				Timestamp: time.Now(),
				Data:      data,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Clients are read-only; inbound messages are ignored
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleUsage returns the current hour's budget snapshot
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := s.budget.UsageStats(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, stats)
}

// handleSync returns the current sync progress row
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProgress(r.Context(), schema.DefaultSyncOwner)
	if err != nil {
		httpError(w, err)
		return
	}
	if p == nil {
		p = &schema.SyncProgress{Owner: schema.DefaultSyncOwner, Status: schema.SyncIdle}
	}
	writeJSON(w, p)
}

// handleQueue returns queue counts plus recent non-terminal items
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.QueueCounts(r.Context())
	if err != nil {
		httpError(w, err)
		return
	}
	conflicts, err := s.store.ListQueueItems(r.Context(), schema.QueueConflict, 50)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"counts":    counts,
		"conflicts": conflicts,
	})
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

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
