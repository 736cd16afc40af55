package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans events out to in-process subscribers keyed by deployment id. All
// subscriber state is owned by the run goroutine.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	done      chan struct{}
}

type message struct {
	deploymentID string
	payload      []byte
}

type subscription struct {
	deploymentID string
	client       Subscriber
}

// NewHub creates a running Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 256),
		done:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for _, clients := range h.clients {
				for c := range clients {
					c.Close()
				}
			}
			return
		case sub := <-h.register:
			if _, ok := h.clients[sub.deploymentID]; !ok {
				h.clients[sub.deploymentID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.deploymentID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.deploymentID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.deploymentID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.deploymentID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.deploymentID)
				}
			}
		}
	}
}

// Register adds a client to a deployment stream.
func (h *Hub) Register(deploymentID string, client Subscriber) {
	select {
	case h.register <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(deploymentID string, client Subscriber) {
	select {
	case h.unreg <- subscription{deploymentID: deploymentID, client: client}:
	case <-h.done:
	}
}

// Broadcast queues payload for every subscriber of the deployment.
func (h *Hub) Broadcast(ctx context.Context, deploymentID string, payload []byte) error {
	select {
	case h.broadcast <- message{deploymentID: deploymentID, payload: payload}:
		return nil
	case <-h.done:
		return fmt.Errorf("hub closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the hub and closes all subscribers.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hub) PublishStatus(ctx context.Context, event StatusEvent) error {
	return h.publish(ctx, event.DeploymentID, struct {
		Type string `json:"type"`
		StatusEvent
	}{Type: "status", StatusEvent: event})
}

func (h *Hub) PublishLog(ctx context.Context, event LogEvent) error {
	return h.publish(ctx, event.DeploymentID, struct {
		Type string `json:"type"`
		LogEvent
	}{Type: "log", LogEvent: event})
}

func (h *Hub) publish(ctx context.Context, deploymentID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return h.Broadcast(ctx, deploymentID, payload)
}
