package streaming

import (
	"context"
	"sync"
)

// Hub connects coordinators living in one process. Each Channel taken from
// the hub delivers to every listener of the hub.
type Hub struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Envelope)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{listeners: make(map[int]func(Envelope))}
}

// Channel returns a new endpoint on the hub.
func (h *Hub) Channel() Channel {
	return &hubChannel{hub: h}
}

func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	fns := make([]func(Envelope), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
}

type hubChannel struct {
	hub *Hub

	mu  sync.Mutex
	ids []int
}

func (c *hubChannel) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.deliver(env)
	return nil
}

func (c *hubChannel) Listen(ctx context.Context, fn func(Envelope)) error {
	h := c.hub
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = fn
	h.mu.Unlock()

	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.unlisten(id)
	}()
	return nil
}

func (c *hubChannel) Close() error {
	c.mu.Lock()
	ids := c.ids
	c.ids = nil
	c.mu.Unlock()
	for _, id := range ids {
		c.unlisten(id)
	}
	return nil
}

func (c *hubChannel) unlisten(id int) {
	c.hub.mu.Lock()
	delete(c.hub.listeners, id)
	c.hub.mu.Unlock()
}
