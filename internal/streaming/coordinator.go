// Package streaming tracks the live text of in-flight AI responses and
// shares it between tabs of the same profile.
//
// Streaming text never touches the local store. The coordinator keeps one
// state per (thread, message) in memory, tells subscribers and the change
// bus about every change, and writes an envelope for each append and end to
// a cross-tab Channel. Envelopes from other tabs are applied locally and
// published as StreamingBroadcast. A finished state is kept for a short
// retention period so late subscribers still see the final text.
package streaming

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
)

// Handler receives streaming state changes.
type Handler func(bus.StreamState)

// Config holds configuration for the coordinator.
type Config struct {
	// TabID identifies this coordinator on the channel (default: random)
	TabID string

	// Retention is how long a finished state stays readable
	Retention time.Duration

	// Freshness is the maximum age of an accepted envelope
	Freshness time.Duration

	// Outbox is the number of envelopes buffered for the channel
	Outbox int

	// Channel carries envelopes to other tabs. Nil keeps streaming local.
	Channel Channel

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retention: 5 * time.Second,
		Freshness: 5 * time.Second,
		Outbox:    256,
		Clock:     clock.New(),
	}
}

type key struct {
	threadID  string
	messageID string
}

type entry struct {
	state bus.StreamState
	gc    *clock.Timer
}

// Coordinator owns the streaming states of one tab.
type Coordinator struct {
	bus     *bus.Bus
	channel Channel
	config  Config
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	states     map[key]*entry
	subs       map[key]map[uint64]Handler
	threadSubs map[string]map[uint64]Handler
	nextID     uint64

	outbox  chan Envelope
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a coordinator publishing on b.
func New(b *bus.Bus, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.Outbox <= 0 {
		cfg.Outbox = def.Outbox
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	return &Coordinator{
		bus:        b,
		channel:    cfg.Channel,
		config:     cfg,
		clock:      cfg.Clock,
		log:        logging.OrNop(cfg.Logger).With("component", "streaming", "tab", cfg.TabID),
		metrics:    cfg.Metrics,
		states:     make(map[key]*entry),
		subs:       make(map[key]map[uint64]Handler),
		threadSubs: make(map[string]map[uint64]Handler),
		outbox:     make(chan Envelope, cfg.Outbox),
	}
}

// TabID returns the id this coordinator signs its envelopes with.
func (c *Coordinator) TabID() string {
	return c.config.TabID
}

// Start listens on the channel and starts forwarding local changes to it.
// Without a channel Start only marks the coordinator running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if c.channel != nil {
		if err := c.channel.Listen(runCtx, c.receive); err != nil {
			cancel()
			return fmt.Errorf("failed to listen on streaming channel: %w", err)
		}
		c.wg.Add(1)
		go c.send(runCtx)
	}
	c.cancel = cancel
	c.running = true
	return nil
}

// Stop stops forwarding and listening and drops retained states.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	for k, e := range c.states {
		if e.gc != nil {
			e.gc.Stop()
		}
		delete(c.states, k)
	}
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

// Begin starts an empty streaming state for a response.
func (c *Coordinator) Begin(threadID, messageID string) bus.StreamState {
	st, _ := c.apply(bus.StreamState{ThreadID: threadID, MessageID: messageID, UpdatedAt: c.now()})
	c.bus.Publish(bus.StreamingStarted{State: st})
	return st
}

// AppendToken replaces the text of a response with fullText, the text
// accumulated so far. A response that was never begun is begun implicitly
// and StreamingStarted precedes its first StreamingUpdated.
func (c *Coordinator) AppendToken(threadID, messageID, fullText string) bus.StreamState {
	st, created := c.apply(bus.StreamState{ThreadID: threadID, MessageID: messageID, Text: fullText, UpdatedAt: c.now()})
	if created {
		c.bus.Publish(bus.StreamingStarted{State: st})
	}
	c.metrics.StreamAppend()
	c.bus.Publish(bus.StreamingUpdated{State: st})
	c.broadcast(st)
	return st
}

// End marks a response finished. An empty finalText keeps the accumulated
// text. The state is dropped after the retention period.
func (c *Coordinator) End(threadID, messageID, finalText string) bus.StreamState {
	text := finalText
	if text == "" {
		if cur, ok := c.State(threadID, messageID); ok {
			text = cur.Text
		}
	}
	st, created := c.apply(bus.StreamState{ThreadID: threadID, MessageID: messageID, Text: text, Done: true, UpdatedAt: c.now()})
	if created {
		c.bus.Publish(bus.StreamingStarted{State: st})
	}
	c.bus.Publish(bus.StreamingEnded{State: st})
	c.broadcast(st)
	return st
}

// State returns the current state of a response.
func (c *Coordinator) State(threadID, messageID string) (bus.StreamState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.states[key{threadID, messageID}]
	if !ok {
		return bus.StreamState{}, false
	}
	return e.state, true
}

// Active returns the unfinished responses of a thread, oldest first.
func (c *Coordinator) Active(threadID string) []bus.StreamState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []bus.StreamState
	for k, e := range c.states {
		if k.threadID == threadID && !e.state.Done {
			out = append(out, e.state)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// Subscribe calls fn on every change of one response, starting with the
// current state when there is one. The returned function unsubscribes.
func (c *Coordinator) Subscribe(threadID, messageID string, fn Handler) func() {
	k := key{threadID, messageID}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.subs[k] == nil {
		c.subs[k] = make(map[uint64]Handler)
	}
	c.subs[k][id] = fn
	e, ok := c.states[k]
	var cur bus.StreamState
	if ok {
		cur = e.state
	}
	c.mu.Unlock()

	if ok {
		fn(cur)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs[k], id)
			if len(c.subs[k]) == 0 {
				delete(c.subs, k)
			}
		})
	}
}

// SubscribeThread calls fn on every change of any response in a thread.
// The returned function unsubscribes.
func (c *Coordinator) SubscribeThread(threadID string, fn Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.threadSubs[threadID] == nil {
		c.threadSubs[threadID] = make(map[uint64]Handler)
	}
	c.threadSubs[threadID][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.threadSubs[threadID], id)
			if len(c.threadSubs[threadID]) == 0 {
				delete(c.threadSubs, threadID)
			}
		})
	}
}

// apply stores st, schedules removal of finished states and notifies
// subscribers. It reports whether st created the response's entry.
func (c *Coordinator) apply(st bus.StreamState) (bus.StreamState, bool) {
	k := key{st.ThreadID, st.MessageID}

	c.mu.Lock()
	e, ok := c.states[k]
	if !ok {
		e = &entry{}
		c.states[k] = e
	}
	if e.gc != nil {
		e.gc.Stop()
		e.gc = nil
	}
	e.state = st
	if st.Done {
		e.gc = c.clock.AfterFunc(c.config.Retention, func() { c.expire(k, st.UpdatedAt) })
	}
	handlers := c.handlersLocked(k)
	c.mu.Unlock()

	for _, fn := range handlers {
		c.call(fn, st)
	}
	return st, !ok
}

// expire drops a finished state unless it changed since removal was
// scheduled.
func (c *Coordinator) expire(k key, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.states[k]; ok && e.state.Done && e.state.UpdatedAt.Equal(at) {
		delete(c.states, k)
	}
}

// handlersLocked returns the subscribers interested in k in subscription
// order. Caller holds c.mu.
func (c *Coordinator) handlersLocked(k key) []Handler {
	ids := make([]uint64, 0, len(c.subs[k])+len(c.threadSubs[k.threadID]))
	all := make(map[uint64]Handler, cap(ids))
	for id, fn := range c.subs[k] {
		ids = append(ids, id)
		all[id] = fn
	}
	for id, fn := range c.threadSubs[k.threadID] {
		ids = append(ids, id)
		all[id] = fn
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Handler, len(ids))
	for i, id := range ids {
		out[i] = all[id]
	}
	return out
}

func (c *Coordinator) call(fn Handler, st bus.StreamState) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("streaming handler panicked", "thread", st.ThreadID, "message", st.MessageID, "panic", r)
		}
	}()
	fn(st)
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().UTC()
}
