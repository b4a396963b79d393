// Package bus provides the change bus: a publish/subscribe layer over the
// closed set of events in this package.
//
// Mutations publish either immediately (destructive or structural changes)
// or coalesced: repeats for the same (kind, key) collapse into one delayed
// notification carrying the latest payload, and the notification is skipped
// when its fingerprint matches the last one delivered for that key.
//
// Handlers run synchronously on the publishing goroutine, or on the timer
// goroutine for coalesced events. A panicking handler is recovered and
// logged; the remaining handlers still run.
package bus

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
)

// Handler receives events of the kind it subscribed to.
type Handler func(Event)

// Subscription is returned by Subscribe and passed to Unsubscribe.
type Subscription struct {
	id   uint64
	kind Kind
	fn   Handler
}

// Kind returns the event kind the subscription listens to.
func (s *Subscription) Kind() Kind { return s.kind }

// Config holds configuration for the bus.
type Config struct {
	// Windows is the coalescing delay per kind. Kinds without a window are
	// dispatched synchronously by PublishCoalesced.
	Windows map[Kind]time.Duration

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultWindows returns the standard coalescing delays.
func DefaultWindows() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindMessagesUpdated:  30 * time.Millisecond,
		KindThreadsUpdated:   50 * time.Millisecond,
		KindProjectsUpdated:  20 * time.Millisecond,
		KindSummariesUpdated: 200 * time.Millisecond,
		KindArtifactsUpdated: 50 * time.Millisecond,
	}
}

// DefaultConfig returns the standard windows with a real clock.
func DefaultConfig() *Config {
	return &Config{
		Windows: DefaultWindows(),
		Clock:   clock.New(),
	}
}

type slot struct {
	kind Kind
	key  string
}

type pending struct {
	event Event
	timer *clock.Timer
}

// Bus is the change bus. It is safe for concurrent use.
type Bus struct {
	windows map[Kind]time.Duration
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	nextID  uint64
	subs    map[Kind][]*Subscription
	pending map[slot]*pending
	last    map[slot]fingerprint
	closed  bool
}

// New creates a bus with the default configuration.
func New() *Bus {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a bus with custom configuration.
func NewWithConfig(cfg *Config) *Bus {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	windows := cfg.Windows
	if windows == nil {
		windows = DefaultWindows()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Bus{
		windows: windows,
		clock:   clk,
		log:     logging.OrNop(cfg.Logger).With("component", "bus"),
		metrics: cfg.Metrics,
		subs:    make(map[Kind][]*Subscription),
		pending: make(map[slot]*pending),
		last:    make(map[slot]fingerprint),
	}
}

// Subscribe registers fn for events of kind.
func (b *Bus) Subscribe(kind Kind, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{id: b.nextID, kind: kind, fn: fn}
	b.subs[kind] = append(b.subs[kind], sub)
	return sub
}

// Unsubscribe removes a subscription. Unknown or nil subscriptions are
// ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			b.subs[sub.kind] = next
			return
		}
	}
}

// Publish dispatches e to every subscriber of its kind before returning.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := b.subs[e.Kind()]
	b.mu.Unlock()

	b.dispatch(e, handlers)
}

// PublishCoalesced schedules e for delivery after its kind's window. A
// later publish for the same kind and key within the window replaces the
// payload without extending the delay.
func (b *Bus) PublishCoalesced(e Event) {
	window := b.windows[e.Kind()]
	if window <= 0 {
		b.Publish(e)
		return
	}

	k := slot{kind: e.Kind(), key: e.Key()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if p, ok := b.pending[k]; ok {
		p.event = e
		b.metrics.BusEvent(e.Kind().String(), "coalesced")
		return
	}

	p := &pending{event: e}
	p.timer = b.clock.AfterFunc(window, func() { b.flush(k, p) })
	b.pending[k] = p
}

// PublishImmediate cancels any pending coalesced notification for the same
// kind and key and dispatches e now.
func (b *Bus) PublishImmediate(e Event) {
	k := slot{kind: e.Kind(), key: e.Key()}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if p, ok := b.pending[k]; ok {
		p.timer.Stop()
		delete(b.pending, k)
	}
	b.last[k] = e.fingerprint()
	handlers := b.subs[e.Kind()]
	b.mu.Unlock()

	b.dispatch(e, handlers)
}

// Pending reports whether a coalesced notification is waiting for kind and
// key.
func (b *Bus) Pending(kind Kind, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[slot{kind: kind, key: key}]
	return ok
}

// Close cancels pending notifications and drops all subscriptions. Later
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, k)
	}
	b.subs = make(map[Kind][]*Subscription)
	b.closed = true
}

// flush delivers a coalesced notification unless it was superseded or its
// fingerprint matches the last delivery.
func (b *Bus) flush(k slot, p *pending) {
	b.mu.Lock()
	if b.closed || b.pending[k] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, k)

	e := p.event
	fp := e.fingerprint()
	if last, ok := b.last[k]; ok && last == fp {
		b.mu.Unlock()
		b.metrics.BusEvent(e.Kind().String(), "skipped")
		return
	}
	b.last[k] = fp
	handlers := b.subs[e.Kind()]
	b.mu.Unlock()

	b.dispatch(e, handlers)
}

func (b *Bus) dispatch(e Event, handlers []*Subscription) {
	b.metrics.BusEvent(e.Kind().String(), "published")
	for _, sub := range handlers {
		b.call(sub, e)
	}
}

func (b *Bus) call(sub *Subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.HandlerPanic()
			b.log.Error("handler panicked", "kind", e.Kind().String(), "panic", r)
		}
	}()
	sub.fn(e)
}
