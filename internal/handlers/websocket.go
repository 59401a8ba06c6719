package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"htpsniff/internal/models"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 512 // buffered channel size, drops when full
)

// Client commands.
const (
	cmdGetInterfaces = "get_interfaces"
	cmdStartCapture  = "start_capture"
	cmdStopCapture   = "stop_capture"
	cmdGetFlows      = "get_flows"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSClient wraps a WebSocket connection and implements engine.Client.
type WSClient struct {
	conn      *websocket.Conn
	eng       Engine
	logger    *slog.Logger
	sendCh    chan models.WSMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient creates a WSClient and registers it with the engine.
func NewWSClient(conn *websocket.Conn, eng Engine, logger *slog.Logger) *WSClient {
	c := &WSClient{
		conn:   conn,
		eng:    eng,
		logger: logger,
		sendCh: make(chan models.WSMessage, sendBuffer),
		done:   make(chan struct{}),
	}
	eng.RegisterClient(c)
	go c.writeLoop()
	return c
}

// SendMessage queues a message for async delivery. Transactions are
// dropped when the buffer is full; other messages evict the oldest queued
// one instead.
func (c *WSClient) SendMessage(msg models.WSMessage) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
	}
	if msg.Type == models.TypeTransaction {
		return nil
	}
	select {
	case <-c.sendCh:
	default:
	}
	select {
	case c.sendCh <- msg:
	default:
	}
	return nil
}

// writeLoop drains the send channel and writes to the WebSocket.
func (c *WSClient) writeLoop() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				return
			}
			// Drain and batch-send any queued messages in a single write burst
			n := len(c.sendCh)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.sendCh); err != nil {
					return
				}
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) write(msg models.WSMessage) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

// ReadLoop reads messages from the client and dispatches commands.
func (c *WSClient) ReadLoop() {
	defer c.close()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg models.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}
		c.handleCommand(msg)
	}
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		c.eng.UnregisterClient(c)
		close(c.done)
	})
}

func (c *WSClient) handleCommand(msg models.WSMessage) {
	switch msg.Type {
	case cmdGetInterfaces:
		ifaces, err := c.eng.GetInterfaces()
		if err != nil {
			c.sendError("failed to list interfaces: " + err.Error())
			return
		}
		c.sendJSON(models.TypeInterfaces, ifaces)

	case cmdStartCapture:
		var req models.StartCaptureRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			c.sendError("invalid start_capture payload")
			return
		}
		if err := c.eng.StartCapture(req); err != nil {
			c.sendError("capture failed: " + err.Error())
			return
		}

	case cmdStopCapture:
		c.eng.StopCapture()

	case cmdGetFlows:
		c.sendJSON(models.TypeFlows, c.eng.GetFlows())

	default:
		c.sendError("unknown command: " + msg.Type)
	}
}

func (c *WSClient) sendJSON(typ string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal reply", "type", typ, "error", err)
		return
	}
	c.SendMessage(models.WSMessage{Type: typ, Payload: payload})
}

func (c *WSClient) sendError(message string) {
	c.sendJSON(models.TypeError, models.ErrorPayload{Message: message})
}

// HandleWebSocket is the HTTP handler for WebSocket upgrades.
func HandleWebSocket(eng Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		client := NewWSClient(conn, eng, logger)
		client.ReadLoop()
	}
}
