// Package dashboard serves the daemon's status over HTTP and WebSocket.
//
// Engine events are broadcast to connected WebSocket clients; /status
// returns a snapshot of every folder and /retry/{folder} clears an error.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/steveyegge/foldersync/internal/engine"
	"github.com/steveyegge/foldersync/internal/registry"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeEvent carries one engine event
	MessageTypeEvent MessageType = "event"

	// MessageTypeStatus carries the state of every folder. It is sent
	// on connect and after every status change.
	MessageTypeStatus MessageType = "status"
)

// Message represents a dashboard broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData is the body of /status and of status messages
type StatusData struct {
	Folders  []engine.State    `json:"folders"`
	Failures map[string]string `json:"failures,omitempty"`
	ByStatus map[string]int    `json:"by_status"`
}

// RetryResult is the body of a /retry response
type RetryResult struct {
	Folder  string `json:"folder"`
	Retried bool   `json:"retried"`
}

// Folders is the view of the engine registry the dashboard needs
type Folders interface {
	States() []engine.State
	Failures() map[string]error
	ForceRetry(name string) (bool, error)
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	folders  Folders
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8473". Port 0 picks a free port.
	Addr string

	Logger *slog.Logger
}

// NewServer creates a dashboard server for folders
func NewServer(config Config, folders Folders) *Server {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		folders:   folders,
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
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /retry/{folder}", s.handleRetry)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		// no WriteTimeout: it would cut long-lived WebSocket connections
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast sends a message to all connected clients. Messages are
// dropped when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", msg.Type)
	}
}

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
				s.logger.Error("failed to marshal message", "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// the status snapshot goes out before the client can see any event
	welcome, err := s.statusMessage()
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		err = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Debug("client connected", "clients", clientCount)

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop discards client messages until the client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug("client disconnected", "clients", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// Status builds the current status snapshot
func (s *Server) Status() StatusData {
	data := StatusData{
		Folders:  s.folders.States(),
		ByStatus: make(map[string]int),
	}
	for _, st := range data.Folders {
		key := st.Status.String()
		if st.ErrorStatus != engine.ErrorNone {
			key = engine.StatusError.String()
		}
		data.ByStatus[key]++
	}
	if failures := s.folders.Failures(); len(failures) > 0 {
		data.Failures = make(map[string]string, len(failures))
		for name, err := range failures {
			data.Failures[name] = err.Error()
		}
	}
	return data
}

func (s *Server) statusMessage() ([]byte, error) {
	raw, err := json.Marshal(s.Status())
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: raw})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("folder")
	retried, err := s.folders.ForceRetry(name)
	switch {
	case errors.Is(err, registry.ErrUnknownFolder):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if !retried {
		// no error to clear, or a sync is running
		code = http.StatusConflict
	}
	s.logger.Info("retry requested", "folder", name, "retried", retried)
	writeJSON(w, code, RetryResult{Folder: name, Retried: retried})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>foldersync</title>
</head>
<body>
    <h1>foldersync</h1>
    <p>Folders: %d</p>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a>, metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, len(s.folders.States()), r.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
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
