// Package telemetry exposes the fleet over HTTP and WebSocket: a status
// snapshot endpoint, a command endpoint, and a push channel streaming
// status to connected clients.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"oams-go-migration/pkg/command"
	"oams-go-migration/pkg/group"
	"oams-go-migration/pkg/log"
)

// statusPeriod is the push rate toward WebSocket clients.
const statusPeriod = 250 * time.Millisecond

// Server serves fleet status and accepts commands.
type Server struct {
	orch *group.Orchestrator
	addr string

	httpServer *http.Server
	upgrader   websocket.Upgrader

	clients  map[int64]*wsClient
	clientMu sync.RWMutex
	nextID   int64

	running atomic.Bool
	logger  *log.Logger
}

// New creates a server bound to the orchestrator.
func New(addr string, orch *group.Orchestrator) *Server {
	s := &Server{
		orch:    orch,
		addr:    addr,
		clients: make(map[int64]*wsClient),
		logger:  log.GetLogger("telemetry"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP mux, also used by tests via httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/command", s.handleCommand)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	return mux
}

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.running.Store(true)
	s.logger.Info("telemetry listening on %s", s.addr)
	go s.broadcastLoop()
	return s.httpServer.ListenAndServe()
}

// Stop closes the server and all clients.
func (s *Server) Stop() error {
	s.running.Store(false)
	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Snapshot())
}

// commandRequest is the wire form of a command.
type commandRequest struct {
	ID      any             `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type commandResponse struct {
	ID     any            `json:"id,omitempty"`
	Result command.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (s *Server) execute(req commandRequest) commandResponse {
	cmd, err := command.Parse(req.Command, req.Params)
	if err != nil {
		return commandResponse{ID: req.ID, Error: err.Error()}
	}
	res, err := cmd.Execute(s.orch)
	if err != nil {
		return commandResponse{ID: req.ID, Error: err.Error()}
	}
	return commandResponse{ID: req.ID, Result: res}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp := s.execute(req)
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(resp)
}

// wsClient is one WebSocket subscriber.
type wsClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	once   sync.Once
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.Debug("client %d connected", c.id)

	go c.writePump()
	c.readPump()
}

func (c *wsClient) send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %d", c.id)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.close()
	}()
	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req commandRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(commandResponse{Error: "parse error"})
			continue
		}
		c.send(c.server.execute(req))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	s.logger.Debug("client %d disconnected", c.id)
}

// broadcastLoop pushes status snapshots to all clients.
func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(statusPeriod)
	defer ticker.Stop()
	for s.running.Load() {
		<-ticker.C
		s.clientMu.RLock()
		if len(s.clients) == 0 {
			s.clientMu.RUnlock()
			continue
		}
		msg := map[string]any{
			"event":  "status",
			"status": s.orch.Snapshot(),
		}
		for _, c := range s.clients {
			c.send(msg)
		}
		s.clientMu.RUnlock()
	}
}
