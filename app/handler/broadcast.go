package handler

import (
	"encoding/json"
	"sync"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/internal/service"
	"github.com/drejom/rbiocverse/pkg/logger"

	"github.com/gorilla/websocket"
)

// MsgType classifies messages pushed to subscribed UI clients.
type MsgType string

const (
	MsgSnapshot       MsgType = "snapshot"        // initial full state on connect
	MsgSession        MsgType = "session"         // one session changed
	MsgLaunchProgress MsgType = "launch_progress" // launch run stage update
	MsgStopResult     MsgType = "stop_result"     // stop run resolution
)

// WSMessage is the envelope for all subscription push messages.
type WSMessage struct {
	Type    MsgType     `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is the initial message delivered to each new subscriber.
type SnapshotPayload struct {
	Sessions []*service.SessionView      `json:"sessions"`
	Health   []model.ClusterHealthReport `json:"health"`
	Degraded bool                        `json:"degraded"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *wsClient) close() {
	close(c.send)
}

// Broadcaster fans session changes out to subscribed UI clients. It is the
// only store subscriber the gateway holds; every client gets its own
// buffered send channel, and a client that stops draining loses messages
// instead of stalling the rest.
type Broadcaster struct {
	svc *service.SessionService

	mu      sync.RWMutex
	clients map[*wsClient]bool
	unsub   func()
}

// NewBroadcaster creates the hub and subscribes it to session changes.
func NewBroadcaster(svc *service.SessionService) *Broadcaster {
	b := &Broadcaster{
		svc:     svc,
		clients: make(map[*wsClient]bool),
	}
	b.unsub = svc.Subscribe(func(snap *model.SessionSnapshot) {
		if view, ok := svc.GetSnapshot(snap.Key); ok {
			b.Broadcast(MsgSession, view)
		}
	})
	return b
}

// AddClient registers a connection and sends it the initial full snapshot.
// The snapshot is queued before the client joins the broadcast set, under
// the same lock Broadcast takes, so it is always the first message the
// client sees.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *wsClient {
	c := newWSClient(conn)

	data, err := json.Marshal(WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions: b.svc.Snapshots(),
			Health:   b.svc.Health(),
			Degraded: b.svc.Degraded(),
		},
	})

	b.mu.Lock()
	if err == nil {
		c.send <- data
	}
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

// RemoveClient unregisters and closes a connection.
func (b *Broadcaster) RemoveClient(c *wsClient) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Broadcast sends one message to every client, marshalling once.
func (b *Broadcaster) Broadcast(msgType MsgType, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		logger.Warnf("failed to marshal %s broadcast: %v", msgType, err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, drop the message
		}
	}
}

// Close unsubscribes from the store and closes every client.
func (b *Broadcaster) Close() {
	b.unsub()
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
