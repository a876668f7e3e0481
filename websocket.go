package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsClient is one connected event stream client
type wsClient struct {
	id      string
	writeMu sync.Mutex
	pulses  bool // pulse events are sent only on request
}

// EventHub streams receiver events to WebSocket clients
type EventHub struct {
	clients   map[*websocket.Conn]*wsClient
	clientsMu sync.RWMutex
	receiver  *Receiver
	metrics   *PrometheusMetrics
	upgrader  websocket.Upgrader
}

// NewEventHub creates a hub and registers it with the receiver
func NewEventHub(receiver *Receiver, metrics *PrometheusMetrics) *EventHub {
	h := &EventHub{
		clients:  make(map[*websocket.Conn]*wsClient),
		receiver: receiver,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	receiver.AddListener(h)
	return h
}

// HandleWebSocket upgrades the request and streams events until the client leaves
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Event WebSocket: Upgrade failed for %s: %v", clientIP, err)
		return
	}

	client := &wsClient{id: uuid.New().String()}
	h.clientsMu.Lock()
	h.clients[conn] = client
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.metrics.RecordWSConnection()
	log.Printf("Event WebSocket: Client %s connected from %s (total: %d)", client.id, clientIP, count)

	h.sendMessage(conn, map[string]interface{}{
		"type":   "status",
		"client": client.id,
		"data":   h.receiver.Status(),
	})

	h.handleClient(conn, client)
}

func (h *EventHub) handleClient(conn *websocket.Conn, client *wsClient) {
	defer func() {
		h.clientsMu.Lock()
		_, exists := h.clients[conn]
		delete(h.clients, conn)
		remaining := len(h.clients)
		h.clientsMu.Unlock()

		if exists {
			h.metrics.RecordWSDisconnect()
		}
		conn.Close()
		log.Printf("Event WebSocket: Client %s disconnected (remaining: %d)", client.id, remaining)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			h.clientsMu.RLock()
			_, exists := h.clients[conn]
			h.clientsMu.RUnlock()
			if !exists {
				return
			}

			client.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Event WebSocket: Read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg struct {
			Type   string `json:"type"`
			Pulses bool   `json:"pulses"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			h.sendMessage(conn, map[string]interface{}{"type": "pong"})
		case "status":
			h.sendMessage(conn, map[string]interface{}{
				"type": "status",
				"data": h.receiver.Status(),
			})
		case "subscribe":
			h.clientsMu.Lock()
			client.pulses = msg.Pulses
			h.clientsMu.Unlock()
		}
	}
}

// HandleEvent broadcasts a receiver event to every client
func (h *EventHub) HandleEvent(ev Event) {
	messageJSON, err := json.Marshal(ev)
	if err != nil {
		log.Printf("Event WebSocket: Failed to marshal event: %v", err)
		return
	}

	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	clients := make([]*wsClient, 0, len(h.clients))
	for conn, c := range h.clients {
		if ev.Type == EventPulse && !c.pulses {
			continue
		}
		conns = append(conns, conn)
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	var failed []*websocket.Conn
	for i, conn := range conns {
		c := clients[i]
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, messageJSON)
		c.writeMu.Unlock()

		if err != nil {
			log.Printf("Event WebSocket: Failed to send to client %s: %v", c.id, err)
			failed = append(failed, conn)
			continue
		}
		h.metrics.RecordWSMessageSent()
	}

	if len(failed) > 0 {
		h.clientsMu.Lock()
		for _, conn := range failed {
			if _, exists := h.clients[conn]; exists {
				delete(h.clients, conn)
				conn.Close()
				h.metrics.RecordWSDisconnect()
			}
		}
		remaining := len(h.clients)
		h.clientsMu.Unlock()
		log.Printf("Event WebSocket: Cleaned up %d failed connection(s) (remaining: %d)", len(failed), remaining)
	}
}

// sendMessage sends a message to a specific client
func (h *EventHub) sendMessage(conn *websocket.Conn, message map[string]interface{}) error {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		return err
	}

	h.clientsMu.RLock()
	client, exists := h.clients[conn]
	h.clientsMu.RUnlock()
	if !exists {
		return fmt.Errorf("connection not found")
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, messageJSON)
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
