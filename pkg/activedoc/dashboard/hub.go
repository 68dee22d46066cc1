package dashboard

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/chosenoffset/activedoc/pkg/activedoc/metrics"
)

// Client is one connected front end as seen by the Hub.
type Client interface {
	// ID uniquely identifies the client for the lifetime of the hub.
	ID() string
	// Send hands message to the client's outbound queue without blocking.
	// Messages sent to one client are delivered in Send order.
	Send(message []byte) error
	// Open reports whether the client can still receive messages.
	Open() bool
	// Close closes the connection. It is safe to call more than once.
	Close() error
}

// Hub tracks connected clients and the latest message per topic key.
type Hub struct {
	mu      sync.Mutex
	clients map[string]Client
	queue   map[string][]byte
	order   []string // keys in first-insertion order
	logger  *slog.Logger

	// reserved counts slots claimed by Reserve and not yet connected.
	reserved int
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]Client),
		queue:   make(map[string][]byte),
		logger:  logger,
	}
}

// Connect registers c and replays every queued message to it, in queue order.
func (h *Hub) Connect(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reserved > 0 {
		h.reserved--
	}
	h.clients[c.ID()] = c
	h.logger.Info("client connected", "client", c.ID(), "clients", len(h.clients))
	for _, key := range h.order {
		if !h.deliver(c, h.queue[key]) {
			break
		}
		metrics.RecordSend(key, 1)
	}
	metrics.SetClients(len(h.clients))
}

// Reserve claims a client slot when fewer than limit clients are connected or
// reserved. A claimed slot is taken over by the next Connect or given back
// with Release.
func (h *Hub) Reserve(limit int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients)+h.reserved >= limit {
		return false
	}
	h.reserved++
	return true
}

// Release gives back a slot claimed by Reserve that will not be connected.
func (h *Hub) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.reserved > 0 {
		h.reserved--
	}
}

// Disconnect removes c from the registry. Queued messages are kept.
func (h *Hub) Disconnect(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[c.ID()]; ok && cur == c {
		delete(h.clients, c.ID())
		h.logger.Info("client disconnected", "client", c.ID(), "clients", len(h.clients))
	}
	metrics.SetClients(len(h.clients))
}

// PublishAndQueue stores message as the latest value for key and sends it to
// every connected client.
func (h *Hub) PublishAndQueue(key string, message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.store(key, message)
	h.sendAll(key, message)
}

// Queue stores message as the latest value for key without sending it. Only
// clients that connect later will see it.
func (h *Hub) Queue(key string, message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.store(key, message)
}

// Drop forgets the queued messages for keys so later clients no longer
// receive them. Connected clients are not notified.
func (h *Hub) Drop(keys ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range keys {
		if _, ok := h.queue[key]; !ok {
			continue
		}
		delete(h.queue, key)
		h.order = slices.DeleteFunc(h.order, func(k string) bool { return k == key })
	}
}

// Broadcast sends message to every connected client without queuing it.
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sendAll("broadcast", message)
}

// Shutdown closes every open client and empties the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if c.Open() {
			if err := c.Close(); err != nil {
				h.logger.Debug("close client", "client", id, "error", err)
			}
		}
		delete(h.clients, id)
	}
	metrics.SetClients(0)
	h.logger.Info("hub shut down")
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Queued returns the latest message stored for key.
func (h *Hub) Queued(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.queue[key]
	return m, ok
}

// Keys returns the queued keys in replay order.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func (h *Hub) store(key string, message []byte) {
	if _, ok := h.queue[key]; !ok {
		h.order = append(h.order, key)
	}
	h.queue[key] = message
}

// sendAll must be called with h.mu held.
func (h *Hub) sendAll(topic string, message []byte) {
	sent := 0
	for _, c := range h.clients {
		if h.deliver(c, message) {
			sent++
		}
	}
	metrics.RecordSend(topic, sent)
}

// deliver sends to one client and drops it on failure. It must be called with
// h.mu held and reports whether the message was handed over.
func (h *Hub) deliver(c Client, message []byte) bool {
	if !c.Open() {
		delete(h.clients, c.ID())
		return false
	}
	if err := c.Send(message); err != nil {
		h.logger.Warn("dropping client after failed send", "client", c.ID(), "error", err)
		_ = c.Close()
		delete(h.clients, c.ID())
		metrics.RecordDroppedClient()
		return false
	}
	return true
}
