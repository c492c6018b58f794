package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans event payloads out to subscribers, grouped by stream name.
type Hub struct {
	mu      sync.Mutex
	streams map[string]map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[Subscriber]struct{})}
}

// Register adds a client to a stream.
func (h *Hub) Register(stream string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[stream]; !ok {
		h.streams[stream] = make(map[Subscriber]struct{})
	}
	h.streams[stream][client] = struct{}{}
}

// Unregister removes a client.
func (h *Hub) Unregister(stream string, client Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.streams[stream]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.streams, stream)
		}
	}
}

// Broadcast sends payload to every subscriber of the stream. Clients whose
// send fails are dropped.
func (h *Hub) Broadcast(stream string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.streams[stream]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.streams, stream)
	}
}
