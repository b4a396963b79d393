package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
)

// Handler subscribes to every bus event kind and forwards the events to a
// Server as messages typed by the kind's wire name.
type Handler struct {
	server *Server
	bus    *bus.Bus
	log    *logging.Logger

	mu     sync.Mutex
	subs   []*bus.Subscription
	counts map[string]int
}

// NewHandler creates a handler bridging b to server.
func NewHandler(server *Server, b *bus.Bus, logger *logging.Logger) *Handler {
	return &Handler{
		server: server,
		bus:    b,
		log:    logging.OrNop(logger).With("component", "dashboard"),
		counts: make(map[string]int),
	}
}

// Attach subscribes to every kind. Calling it twice is a no-op.
func (h *Handler) Attach() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return
	}
	for _, kind := range bus.Kinds {
		h.subs = append(h.subs, h.bus.Subscribe(kind, h.forward))
	}
}

// Detach drops the bus subscriptions.
func (h *Handler) Detach() {
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.mu.Unlock()
	for _, sub := range subs {
		h.bus.Unsubscribe(sub)
	}
}

func (h *Handler) forward(e bus.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.log.Warn("failed to marshal event", "kind", e.Kind().String(), "error", err)
		return
	}

	kind := e.Kind().String()
	h.mu.Lock()
	h.counts[kind]++
	h.mu.Unlock()

	h.server.Broadcast(Message{
		Type:      kind,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Counts returns how many events of each kind were forwarded.
func (h *Handler) Counts() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.counts))
	for k, v := range h.counts {
		out[k] = v
	}
	return out
}
