// Package printhost connects the orchestrator to the printer. The
// production implementation speaks Moonraker JSON-RPC over WebSocket;
// a local implementation backs the simulator.
package printhost

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"oams-go-migration/pkg/log"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id,omitempty"`
}

type rpcMessage struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// Moonraker mirrors printer state from a Moonraker WebSocket and issues
// pause and console commands through it.
type Moonraker struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  int64

	mu       sync.Mutex
	printing bool
	extruded float64

	done   chan struct{}
	logger *log.Logger
}

// DialMoonraker connects and subscribes to printer state. The URL is the
// WebSocket endpoint, e.g. ws://localhost:7125/websocket.
func DialMoonraker(url string) (*Moonraker, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("printhost: dial %s: %w", url, err)
	}
	m := &Moonraker{
		conn:   conn,
		done:   make(chan struct{}),
		logger: log.GetLogger("printhost"),
	}
	if err := m.send("printer.objects.subscribe", map[string]any{
		"objects": map[string]any{
			"print_stats": []string{"state", "filament_used"},
		},
	}); err != nil {
		conn.Close()
		return nil, err
	}
	go m.readLoop()
	return m, nil
}

func (m *Moonraker) send(method string, params any) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return m.conn.WriteJSON(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddInt64(&m.nextID, 1),
	})
}

func (m *Moonraker) readLoop() {
	defer close(m.done)
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			m.logger.WithError(err).Warn("moonraker link lost")
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method != "notify_status_update" || len(msg.Params) == 0 {
			continue
		}
		var status struct {
			PrintStats struct {
				State        *string  `json:"state"`
				FilamentUsed *float64 `json:"filament_used"`
			} `json:"print_stats"`
		}
		if err := json.Unmarshal(msg.Params[0], &status); err != nil {
			continue
		}
		m.mu.Lock()
		if status.PrintStats.State != nil {
			m.printing = *status.PrintStats.State == "printing"
		}
		if status.PrintStats.FilamentUsed != nil {
			m.extruded = *status.PrintStats.FilamentUsed
		}
		m.mu.Unlock()
	}
}

// IsPrinting reports whether a print is running.
func (m *Moonraker) IsPrinting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.printing
}

// ExtruderPos returns the lifetime filament use in millimeters.
func (m *Moonraker) ExtruderPos() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.extruded
}

// Pause pauses the running print.
func (m *Moonraker) Pause() {
	if err := m.send("printer.gcode.script", map[string]any{"script": "PAUSE"}); err != nil {
		m.logger.WithError(err).Error("pause failed")
	}
}

// RespondInfo prints a message on the printer console.
func (m *Moonraker) RespondInfo(msg string) {
	script := fmt.Sprintf("M118 %s", msg)
	if err := m.send("printer.gcode.script", map[string]any{"script": script}); err != nil {
		m.logger.WithError(err).Warn("console message failed")
	}
}

// Close drops the connection.
func (m *Moonraker) Close() error {
	err := m.conn.Close()
	select {
	case <-m.done:
	case <-time.After(time.Second):
	}
	return err
}
