package streaming

import (
	"context"
	"time"

	"github.com/threadsync/threadsync/internal/bus"
)

// Envelope is one streaming state written to the cross-tab channel.
type Envelope struct {
	State     bus.StreamState `json:"state"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// Channel carries envelopes between the coordinators of one profile. Every
// listener receives every envelope, its own included.
type Channel interface {
	// Publish writes an envelope to the channel.
	Publish(ctx context.Context, env Envelope) error

	// Listen delivers envelopes to fn until ctx is cancelled. It returns
	// once delivery has started.
	Listen(ctx context.Context, fn func(Envelope)) error

	// Close releases the channel.
	Close() error
}

// broadcast queues an envelope for the channel. Intermediate updates are
// dropped when the outbox is full; the final state always waits for room.
func (c *Coordinator) broadcast(st bus.StreamState) {
	c.mu.Lock()
	running := c.running && c.channel != nil
	c.mu.Unlock()
	if !running {
		return
	}

	env := Envelope{State: st, Timestamp: c.now(), Origin: c.config.TabID}
	if !st.Done {
		select {
		case c.outbox <- env:
		default:
			c.metrics.Envelope("out", "dropped")
		}
		return
	}

	timer := c.clock.Timer(c.config.Freshness)
	defer timer.Stop()
	select {
	case c.outbox <- env:
	case <-timer.C:
		c.metrics.Envelope("out", "dropped")
		c.log.Warn("streaming outbox full, final state not broadcast", "thread", st.ThreadID, "message", st.MessageID)
	}
}

// send forwards queued envelopes to the channel.
func (c *Coordinator) send(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.outbox:
			if err := c.channel.Publish(ctx, env); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.metrics.Envelope("out", "failed")
				c.log.Warn("failed to broadcast streaming state", "thread", env.State.ThreadID, "error", err)
				continue
			}
			c.metrics.Envelope("out", "sent")
		}
	}
}

// receive applies an envelope from another tab.
func (c *Coordinator) receive(env Envelope) {
	if env.Origin == c.config.TabID {
		c.metrics.Envelope("in", "self")
		return
	}
	if age := c.clock.Now().Sub(env.Timestamp); age > c.config.Freshness {
		c.metrics.Envelope("in", "stale")
		c.log.Debug("discarding stale envelope", "origin", env.Origin, "age", age)
		return
	}
	if cur, ok := c.State(env.State.ThreadID, env.State.MessageID); ok && cur.UpdatedAt.After(env.State.UpdatedAt) {
		c.metrics.Envelope("in", "stale")
		return
	}

	st, created := c.apply(env.State)
	c.metrics.Envelope("in", "applied")
	if created {
		c.bus.Publish(bus.StreamingStarted{State: st})
	}
	c.bus.Publish(bus.StreamingBroadcast{State: st, Origin: env.Origin})
}
