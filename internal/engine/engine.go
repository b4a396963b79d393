// Package engine wires the local store, change bus, sync orchestrator,
// remote subscriber and streaming coordinator into one instance with an
// explicit lifecycle, and exposes the contract the UI programs against.
//
// One Engine corresponds to one tab. Several engines of the same profile
// share the store file and a streaming channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/facebookgo/clock"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/completion"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/store"
	"github.com/threadsync/threadsync/internal/streaming"
	"github.com/threadsync/threadsync/internal/subscriber"
	"github.com/threadsync/threadsync/internal/syncer"
)

// ErrNotStarted is returned by operations that need a signed-in owner.
var ErrNotStarted = errors.New("engine not started")

// Config holds everything New needs. Zero values select defaults.
type Config struct {
	// StorePath is the SQLite file (default: ":memory:")
	StorePath    string
	MaxSlotBytes int

	// Remote is the document store (default: a fresh in-memory store)
	Remote remote.Store

	Bus        *bus.Config
	Sync       *syncer.Config
	Subscriber *subscriber.Config
	Streaming  *streaming.Config

	// Completion generates assistant responses for Ask (optional)
	Completion completion.Source

	// Closers are closed by Close after the services stop, e.g. the
	// streaming channel and the remote client's connections.
	Closers []io.Closer

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Engine is one running instance of the sync engine.
type Engine struct {
	store  *store.Store
	remote remote.Store
	bus    *bus.Bus
	sync   *syncer.Orchestrator
	sub    *subscriber.Subscriber
	stream *streaming.Coordinator
	relay  *completion.Relay

	closers []io.Closer
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	owner   string
	closed  bool
}

// New opens the store and constructs every service. Nothing talks to the
// remote until Start.
//
// The caller MUST call Close() when done.
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	log := logging.OrNop(cfg.Logger)

	path := cfg.StorePath
	if path == "" {
		path = ":memory:"
	}
	st, err := store.Open(path, &store.Options{MaxSlotBytes: cfg.MaxSlotBytes, Logger: log})
	if err != nil {
		return nil, err
	}

	rs := cfg.Remote
	if rs == nil {
		rs = remote.NewMemory()
	}

	busCfg := bus.DefaultConfig()
	if cfg.Bus != nil {
		busCfg = cfg.Bus
	}
	busCfg.Clock = cfg.Clock
	busCfg.Logger = log
	busCfg.Metrics = cfg.Metrics
	b := bus.NewWithConfig(busCfg)

	syncCfg := syncer.DefaultConfig()
	if cfg.Sync != nil {
		syncCfg = cfg.Sync
	}
	syncCfg.Clock = cfg.Clock
	syncCfg.Logger = log
	syncCfg.Metrics = cfg.Metrics

	subCfg := subscriber.DefaultConfig()
	if cfg.Subscriber != nil {
		subCfg = cfg.Subscriber
	}
	subCfg.Logger = log
	subCfg.Metrics = cfg.Metrics

	streamCfg := streaming.DefaultConfig()
	if cfg.Streaming != nil {
		streamCfg = cfg.Streaming
	}
	streamCfg.Clock = cfg.Clock
	streamCfg.Logger = log
	streamCfg.Metrics = cfg.Metrics
	coord := streaming.New(b, streamCfg)

	e := &Engine{
		store:   st,
		remote:  rs,
		bus:     b,
		sync:    syncer.New(st, rs, b, syncCfg),
		sub:     subscriber.New(st, rs, b, subCfg),
		stream:  coord,
		closers: cfg.Closers,
		log:     log.With("component", "engine"),
		metrics: cfg.Metrics,
	}
	if cfg.Completion != nil {
		e.relay = completion.NewRelay(coord, cfg.Completion, log)
	}
	e.registerGauges()
	return e, nil
}

func (e *Engine) registerGauges() {
	e.metrics.RegisterGauge("sync", "pending_ops", "Queued and in-flight remote operations.", func() float64 {
		return float64(e.sync.Pending())
	})
	e.metrics.RegisterGauge("sync", "online", "1 when the last batch reached the remote.", func() float64 {
		if e.sync.Online() {
			return 1
		}
		return 0
	})
}

// Start signs the engine in as ownerID: a cache belonging to another owner
// is wiped, feed subscriptions are opened, the owner's collections are
// pulled and the persisted queue starts draining. A failed pull is logged
// and leaves the engine running on the local cache.
func (e *Engine) Start(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id cannot be empty")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine closed")
	}
	if e.running {
		return fmt.Errorf("engine already started for %s", e.owner)
	}

	if prev := e.store.CurrentUser(); prev != "" && prev != ownerID {
		e.log.Info("owner changed, clearing local cache", "previous", prev, "owner", ownerID)
		if err := e.store.Clear(); err != nil {
			return fmt.Errorf("failed to clear cache for new owner: %w", err)
		}
		e.sync.Reset()
	}
	if err := e.store.SetCurrentUser(ownerID); err != nil {
		return fmt.Errorf("failed to record owner: %w", err)
	}

	if err := e.stream.Start(ctx); err != nil {
		return err
	}
	if err := e.sub.SubscribeAll(ctx, ownerID); err != nil {
		e.stream.Stop()
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := e.sub.Pull(ctx); err != nil {
		e.log.Warn("initial pull failed, continuing from local cache", "error", err)
	}
	if err := e.sync.Start(ctx, ownerID); err != nil {
		e.sub.UnsubscribeAll()
		e.stream.Stop()
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	e.running = true
	e.owner = ownerID
	e.log.Info("engine started", "owner", ownerID, "tab", e.stream.TabID())
	return nil
}

// Stop closes the feed subscriptions and halts draining. Queued operations
// stay persisted for the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	if !e.running {
		return
	}
	e.sub.UnsubscribeAll()
	e.sync.Stop()
	e.stream.Stop()
	e.running = false
	e.log.Debug("engine stopped", "owner", e.owner)
}

// Logout stops the engine and wipes the local cache and the queue.
func (e *Engine) Logout() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
	if err := e.store.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache on logout: %w", err)
	}
	e.sync.Reset()
	e.log.Info("logged out", "owner", e.owner)
	e.owner = ""
	return nil
}

// Close stops the engine and releases the store, the bus and any extra
// closers. The engine cannot be restarted.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.stopLocked()
	e.closed = true
	e.bus.Close()

	var errs []error
	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Flush waits until every queued operation reached the remote.
func (e *Engine) Flush(ctx context.Context) error {
	return e.sync.Flush(ctx)
}

// Owner returns the signed-in user, or "" when stopped.
func (e *Engine) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ""
	}
	return e.owner
}

// Online reports whether the last batch reached the remote.
func (e *Engine) Online() bool { return e.sync.Online() }

// Pending returns the number of queued and in-flight remote operations.
func (e *Engine) Pending() int { return e.sync.Pending() }

// Queue lists queued operations in order.
func (e *Engine) Queue() []syncer.Entry { return e.sync.Queue() }

// Bus returns the change bus, e.g. for the dashboard.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Store returns the local store for export, import and stats.
func (e *Engine) Store() *store.Store { return e.store }

// Metrics returns the collectors, or nil when metrics are disabled.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// TabID returns the id of this engine on the streaming channel.
func (e *Engine) TabID() string { return e.stream.TabID() }

// On subscribes fn to events of kind.
func (e *Engine) On(kind bus.Kind, fn bus.Handler) *bus.Subscription {
	return e.bus.Subscribe(kind, fn)
}

// Off removes a subscription returned by On.
func (e *Engine) Off(sub *bus.Subscription) {
	e.bus.Unsubscribe(sub)
}
