// Package progress streams sync activity to WebSocket clients.
//
// A study UI or a terminal watcher connects to /ws and receives a JSON
// message for every persisted download page, every upload request, every
// completed sync and every refresh of the study counters.
package progress

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
	"go.uber.org/zap"
)

// MessageType identifies a progress message.
type MessageType string

const (
	// MessageTypeSyncPage follows every persisted download page.
	MessageTypeSyncPage MessageType = "sync_page"
	// MessageTypeSyncComplete ends a successful sync cycle.
	MessageTypeSyncComplete MessageType = "sync_complete"
	// MessageTypeUpload follows every review upload request.
	MessageTypeUpload MessageType = "upload"
	// MessageTypeStats carries the study counters.
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope written to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	// clientQueue is how many encoded messages a slow client may lag behind.
	clientQueue = 64
	writeWait   = 5 * time.Second
)

// subscriber is one connected client with its own outgoing queue, so a
// stalled reader only loses its own messages.
type subscriber struct {
	conn *websocket.Conn
	out  chan []byte
	once sync.Once
}

func (c *subscriber) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.out)
		_ = c.conn.Close(code, reason)
	})
}

// Server accepts WebSocket clients and fans messages out to them.
type Server struct {
	addr   string
	ln     net.Listener
	http   *http.Server
	logger *zap.Logger

	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	greeting func() Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Server.
type Config struct {
	// Addr to listen on; port 0 picks a free one
	Addr   string
	Logger *zap.Logger
}

// DefaultConfig listens on loopback only.
func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:7788"}
}

// NewServer creates a progress server. It does not listen until Start.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Server{
		addr:     config.Addr,
		logger:   config.Logger,
		subs:     make(map[*subscriber]struct{}),
		greeting: func() Message { return Message{Type: MessageTypeStats} },
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start listens and serves /ws and /health in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /health", s.serveHealth)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("progress server listening", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("progress server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[*subscriber]struct{})
	s.mu.Unlock()
	for sub := range subs {
		sub.close(websocket.StatusGoingAway, "server shutting down")
	}

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down progress server: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Info("progress server stopped")
	return err
}

// Broadcast sends msg to every connected client. A client whose queue is
// full misses the message.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	data, err := encode(msg)
	if err != nil {
		s.logger.Error("failed to encode message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.out <- data:
		default:
			s.logger.Warn("client lagging, dropping message", zap.String("type", string(msg.Type)))
		}
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{conn: conn, out: make(chan []byte, clientQueue)}

	// Register and queue the greeting under one lock so no broadcast can
	// reach the client ahead of it.
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	if data, err := encode(s.greeting()); err == nil {
		sub.out <- data
	}
	s.subs[sub] = struct{}{}
	n := len(s.subs)
	s.wg.Add(1)
	s.mu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", n))

	go s.writePump(sub)

	// CloseRead discards client frames and cancels ctx once the peer leaves.
	ctx := conn.CloseRead(s.ctx)
	<-ctx.Done()
	s.drop(sub, websocket.StatusNormalClosure)
}

func (s *Server) writePump(sub *subscriber) {
	defer s.wg.Done()
	for data := range sub.out {
		ctx, cancel := context.WithTimeout(s.ctx, writeWait)
		err := sub.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			s.logger.Debug("write to client failed", zap.Error(err))
			s.drop(sub, websocket.StatusInternalError)
			return
		}
	}
}

func (s *Server) drop(sub *subscriber, code websocket.StatusCode) {
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("client disconnected", zap.Int("clients", n))
	}
	sub.close(code, "")
}

// setWelcome replaces the builder of the greeting sent to new clients.
func (s *Server) setWelcome(build func() Message) {
	s.mu.Lock()
	s.greeting = build
	s.mu.Unlock()
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}{"ok", s.ClientCount()})
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
