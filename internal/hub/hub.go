// Package hub fans committed queue transitions out to live subscribers.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"clinicqms/queue-service/internal/store"
)

// Subscription narrows what a client receives. Empty fields match anything.
type Subscription struct {
	ServiceID string
	StationID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     zerolog.Logger
	dropped atomic.Int64
}

// Event is the frame written to subscribers for each committed transition.
type Event struct {
	Type       string           `json:"type"`
	Transition store.Transition `json:"transition"`
	SentAt     time.Time        `json:"sent_at"`
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	ServiceID string `json:"service_id"`
	StationID string `json:"station_id"`
}

func New(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client and closes its send channel. Calling it
// twice for the same client is safe.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Publish broadcasts each transition in commit order. It has the shape of a
// store.CommitHook and never blocks on a slow client.
func (h *Hub) Publish(transitions []store.Transition) {
	for _, t := range transitions {
		payload, err := json.Marshal(Event{Type: "queue.transition", Transition: t, SentAt: time.Now().UTC()})
		if err != nil {
			h.log.Error().Err(err).Str("entry_id", t.EntryID).Msg("encode event")
			continue
		}
		h.Broadcast(payload, Subscription{ServiceID: t.ServiceID, StationID: t.StationID})
	}
}

func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.dropped.Add(1)
			h.log.Warn().Str("client_id", client.ID).Msg("drop message for slow client")
		}
	}
}

// Dropped reports how many messages were discarded for full client buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ServiceID != "" && meta.ServiceID != sub.ServiceID {
		return false
	}
	if sub.StationID != "" && meta.StationID != sub.StationID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
