// Package dashboard pushes change bus events to websocket clients.
//
// Every event published on the bus is forwarded as a Message to all
// connected clients, so a UI outside the process can mirror the engine's
// view without polling. The server also exposes /health and /metrics.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
)

// MessageTypeStatus is sent to a client right after it connects. Every
// other message carries the bus event kind as its type.
const MessageTypeStatus = "status"

// Message is one frame sent to clients.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Status reports the sync state shown by /health and the welcome frame.
type Status interface {
	Online() bool
	Pending() int
}

// StatusData is the payload of /health and of status frames.
type StatusData struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Clients int  `json:"clients"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8787)
	Addr string

	// Buffer is the broadcast queue length (default: 256)
	Buffer int

	// OriginPatterns are passed to websocket.Accept (default: any origin)
	OriginPatterns []string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:8787",
		Buffer:         256,
		OriginPatterns: []string{"*"},
	}
}

// Server manages websocket clients and broadcasts messages to them.
type Server struct {
	config *Config
	status Status
	log    *logging.Logger

	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. status may be nil, in which case /health
// reports offline with nothing pending.
func NewServer(status Status, config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.Buffer <= 0 {
		config.Buffer = def.Buffer
	}
	if len(config.OriginPatterns) == 0 {
		config.OriginPatterns = def.OriginPatterns
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		status:    status,
		log:       logging.OrNop(config.Logger).With("component", "dashboard"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, config.Buffer),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.config.Metrics != nil {
		mux.Handle("/metrics", s.config.Metrics.Handler())
	}
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Run starts the broadcast loop. Start calls it; tests serving Handler
// through httptest call it directly.
func (s *Server) Run() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Start listens on the configured address and serves Handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.Run()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("dashboard server failed", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("failed to shut down dashboard: %w", serr)
		}
	}

	s.wg.Wait()
	s.log.Debug("dashboard stopped")
	return err
}

// Broadcast queues msg for every client. When the queue is full the
// message is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case <-s.ctx.Done():
	case s.broadcast <- msg:
	default:
		s.log.Warn("broadcast queue full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Warn("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}
			for _, conn := range s.snapshot() {
				if err := s.write(conn, data); err != nil {
					s.log.Debug("dropping client after failed write", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) snapshot() []*websocket.Conn {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.config.OriginPatterns,
	})
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	// The status frame goes out before the client is registered so it is
	// always the first frame a client reads.
	welcome, err := json.Marshal(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      s.statusJSON(1),
	})
	if err == nil {
		err = s.write(conn, welcome)
	}
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "welcome failed")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("client connected", "clients", count)

	s.readLoop(conn)
}

// readLoop blocks until the client goes away; client frames are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.log.Debug("client disconnected", "clients", count)
	}
}

// Status returns the current health snapshot.
func (s *Server) Status() StatusData {
	st := StatusData{Clients: s.ClientCount()}
	if s.status != nil {
		st.Online = s.status.Online()
		st.Pending = s.status.Pending()
	}
	return st
}

// statusJSON encodes Status, counting extra not yet registered clients.
func (s *Server) statusJSON(extra int) json.RawMessage {
	st := s.Status()
	st.Clients += extra
	data, _ := json.Marshal(st)
	return data
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>threadsync</title></head>
<body>
    <h1>threadsync dashboard</h1>
    <p>Event stream: <code>ws://%s/ws</code></p>
    <p>Health: <a href="/health">/health</a> &middot; Metrics: <a href="/metrics">/metrics</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
