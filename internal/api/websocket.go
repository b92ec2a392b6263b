package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cardpilot/card-agent/internal/core"
	"github.com/cardpilot/card-agent/internal/logging"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn       *websocket.Conn
	send       chan []byte
	hub        *WSHub
	server     *Server
	mu         sync.Mutex
	subscribed bool // Receive card_detected / card_removed events
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastEvent sends a card event to subscribed clients only.
func (h *WSHub) BroadcastEvent(message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.mu.Lock()
		subscribed := client.subscribed
		client.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Slow client; drop the event rather than block the loop.
		}
	}
}

// InitWebSocket initializes the WebSocket hub and returns the handler.
// The hub fans auto-read events out to subscribed clients.
func (s *Server) InitWebSocket(poller *core.Poller) http.HandlerFunc {
	hub := NewWSHub()
	go hub.Run()

	if poller != nil {
		go func() {
			defer logging.RecoverAndLog("WebSocket event forwarder", false)
			for event := range poller.Events() {
				payload, _ := json.Marshal(event)
				msg, _ := json.Marshal(WSMessage{Type: event.Type, Payload: payload})
				hub.BroadcastEvent(msg)
			}
		}()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
				"error":      err.Error(),
				"remoteAddr": r.RemoteAddr,
			})
			return
		}

		logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
			"remoteAddr": r.RemoteAddr,
		})

		client := &WSClient{
			conn:   conn,
			send:   make(chan []byte, 256),
			hub:    hub,
			server: s,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "status":
		c.handleStatus(msg.ID)
	case "read_card":
		c.handleReadCard(msg.ID)
	case "copy":
		c.handleCopy(msg.ID, msg.Payload)
	case "get_history":
		c.handleGetHistory(msg.ID)
	case "clear_history":
		c.handleClearHistory(msg.ID)
	case "subscribe":
		c.handleSubscribe(msg.ID)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) handleStatus(id string) {
	orch := c.server.orch
	c.sendResponse(id, "status", map[string]interface{}{
		"connected":     orch.Connected(),
		"reading":       orch.Reading(),
		"pcscAvailable": orch.Available(),
		"reader":        orch.Reader(),
	})
}

func (c *WSClient) handleReadCard(id string) {
	result, err := c.server.orch.ReadCard()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "card", result)
}

func (c *WSClient) handleCopy(id string, payload json.RawMessage) {
	var req struct {
		CardNumber string `json:"cardNumber"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.CardNumber == "" {
		c.sendError(id, "cardNumber is required")
		return
	}
	if !c.server.sink.Deliver(req.CardNumber) {
		c.sendError(id, "clipboard copy failed")
		return
	}
	c.sendResponse(id, "copied", map[string]string{"success": "copied to clipboard"})
}

func (c *WSClient) handleGetHistory(id string) {
	c.sendResponse(id, "history", map[string]interface{}{
		"history": c.server.ledger.List(),
	})
}

func (c *WSClient) handleClearHistory(id string) {
	c.server.ledger.Clear()
	c.sendResponse(id, "history_cleared", map[string]string{"success": "history cleared"})
}

func (c *WSClient) handleSubscribe(id string) {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client subscribed to card events", nil)
	c.sendResponse(id, "subscribed", map[string]bool{"subscribed": true})
}

func (c *WSClient) handleUnsubscribe(id string) {
	c.mu.Lock()
	c.subscribed = false
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed from card events", nil)
	c.sendResponse(id, "unsubscribed", map[string]bool{"subscribed": false})
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	c.sendResponse(id, "health", map[string]interface{}{
		"status":    "ok",
		"connected": c.server.orch.Connected(),
	})
}
