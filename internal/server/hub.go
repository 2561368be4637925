package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Zwooosh/netmeter/internal/events"
	"github.com/Zwooosh/netmeter/pkg/types"
)

// liveMessage is the wire envelope for the live stream: one snapshot frame
// on connect, then one event frame per recorded lifecycle event.
type liveMessage struct {
	Type     string                 `json:"type"`
	Snapshot *types.SessionSnapshot `json:"snapshot,omitempty"`
	Event    *types.Event           `json:"event,omitempty"`
}

// Hub fans lifecycle events out to connected WebSocket clients. It
// implements events.Recorder so the runner feeds it like any other recorder.
// The broadcast channel and per-client send buffers are bounded; a slow
// consumer loses events rather than stalling the measurement.
type Hub struct {
	mu        sync.Mutex
	clients   map[*hubClient]struct{}
	broadcast chan types.Event
}

type hubClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*hubClient]struct{}),
		broadcast: make(chan types.Event, 128),
	}
}

// Record implements events.Recorder. It never blocks.
func (h *Hub) Record(event types.Event) {
	select {
	case h.broadcast <- event:
	default:
	}
}

// Run dispatches broadcasts until ctx is cancelled, then closes every
// connected client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*hubClient]struct{})
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(liveMessage{Type: "event", Event: &event})
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

var _ events.Recorder = (*Hub)(nil)
