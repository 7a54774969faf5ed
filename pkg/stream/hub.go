package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type registration struct {
	conn    *websocket.Conn
	initial []byte
}

// Hub fans session events out to connected viewers.
// All writes to a connection happen on the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan registration
	unregister chan *websocket.Conn
	count      chan chan int
	done       chan struct{}
	log        logrus.FieldLogger
}

// NewHub creates a hub; events are dropped when more than backlog are queued
func NewHub(backlog int, log logrus.FieldLogger) *Hub {
	if backlog <= 0 {
		backlog = 16
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, backlog),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves the hub until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			client.Close()
			delete(h.clients, client)
		}
		close(h.done)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			for client := range h.clients {
				if err := client.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}

		case r := <-h.register:
			h.clients[r.conn] = true
			h.log.WithField("clients", len(h.clients)).Info("Viewer connected")
			if r.initial != nil {
				h.send(r.conn, r.initial)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.WithField("clients", len(h.clients)).Info("Viewer disconnected")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				h.send(client, message)
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

func (h *Hub) send(client *websocket.Conn, message []byte) {
	_ = client.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
		h.log.WithError(err).Warn("Error sending message, dropping viewer")
		delete(h.clients, client)
		client.Close()
	}
}

// Register adds a viewer and sends it initial first when non-nil
func (h *Hub) Register(client *websocket.Conn, initial []byte) {
	select {
	case h.register <- registration{conn: client, initial: initial}:
	case <-h.done:
		client.Close()
	}
}

// Unregister removes and closes a viewer
func (h *Hub) Unregister(client *websocket.Conn) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues message for every viewer without blocking.
// It reports false when the queue is full and the message was dropped.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case h.broadcast <- message:
		return true
	default:
		h.log.Warn("Broadcast queue full, dropping event")
		return false
	}
}

// ClientCount returns the number of connected viewers, or 0 once the hub has stopped
func (h *Hub) ClientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}
