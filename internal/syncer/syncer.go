package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"golang.org/x/time/rate"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/store"
)

var (
	// ErrNotFound is returned when a mutation names an entity that is not
	// in the local store.
	ErrNotFound = errors.New("entity not found")

	// ErrNoOwner is returned by mutations made before Start.
	ErrNoOwner = errors.New("no current user")

	// ErrNotStarted is returned by Flush when the drain loop is not running.
	ErrNotStarted = errors.New("orchestrator not started")
)

// Config holds configuration for the orchestrator.
type Config struct {
	// BatchSize is the maximum number of operations run concurrently
	BatchSize int

	// RetryInterval is how often a stalled queue is retried
	RetryInterval time.Duration

	// BatchYield is the pause between successive successful batches
	BatchYield time.Duration

	// MaxAttempts moves an operation to the dead-letter list after that
	// many failures. Zero retries forever.
	MaxAttempts int

	// BranchSuffix is appended to the title of a branched thread or project
	BranchSuffix string

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:     3,
		RetryInterval: 5 * time.Second,
		BatchYield:    50 * time.Millisecond,
		BranchSuffix:  " (Branch)",
		Clock:         clock.New(),
	}
}

// Orchestrator applies mutations locally and replicates them to the remote.
type Orchestrator struct {
	store   *store.Store
	remote  remote.Store
	bus     *bus.Bus
	config  Config
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	mu       sync.Mutex
	owner    string
	queue    []*op
	inflight map[string]*op
	online   bool
	lastErr  error
	changed  chan struct{}
	running  bool

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. The store, remote and bus are required.
func New(st *store.Store, rs remote.Store, b *bus.Bus, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.BatchYield < 0 {
		cfg.BatchYield = 0
	}
	if cfg.BranchSuffix == "" {
		cfg.BranchSuffix = def.BranchSuffix
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}

	limit := rate.Inf
	if cfg.BatchYield > 0 {
		limit = rate.Every(cfg.BatchYield)
	}

	return &Orchestrator{
		store:    st,
		remote:   rs,
		bus:      b,
		config:   cfg,
		clock:    cfg.Clock,
		log:      logging.OrNop(cfg.Logger).With("component", "syncer"),
		metrics:  cfg.Metrics,
		limiter:  rate.NewLimiter(limit, 1),
		inflight: make(map[string]*op),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Start loads the persisted queue, records the owner used for new entities
// and starts draining. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id cannot be empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already started")
	}

	records, err := o.store.PendingOps()
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}
	o.owner = ownerID
	o.queue = mergeQueue(o.queue, records)
	if len(o.queue) > 0 {
		o.log.Info("replaying queued operations", "count", len(o.queue))
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.running = true

	o.wg.Add(1)
	go o.run(runCtx)
	o.kick()
	return nil
}

// Stop halts draining and waits for the in-flight batch to settle. Queued
// operations stay persisted for the next Start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.log.Debug("orchestrator stopped")
}

// Reset drops the in-memory queue and the owner. Used on logout after the
// store has been cleared.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queue = nil
	o.owner = ""
	o.online = false
	o.lastErr = nil
}

// Owner returns the user new entities are created for.
func (o *Orchestrator) Owner() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner
}

// Online reports whether the last batch reached the remote.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Pending returns the number of queued and in-flight operations.
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue) + len(o.inflight)
}

// Flush drains the queue and waits until it is empty. It returns the batch
// error if the remote rejects an operation, leaving the queue intact.
func (o *Orchestrator) Flush(ctx context.Context) error {
	for {
		o.mu.Lock()
		if !o.running {
			o.mu.Unlock()
			return ErrNotStarted
		}
		n := len(o.queue) + len(o.inflight)
		changed := o.changed
		o.mu.Unlock()

		if n == 0 {
			return nil
		}
		o.kick()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}

		o.mu.Lock()
		err := o.lastErr
		o.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to flush queue: %w", err)
		}
	}
}

// kick wakes the drain loop without blocking.
func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := o.clock.Ticker(o.config.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-ticker.C:
		}
		o.drain(ctx)
	}
}

// drain runs batches until the queue is empty or a batch fails.
func (o *Orchestrator) drain(ctx context.Context) {
	for {
		if o.queued() == 0 {
			return
		}
		if err := o.yield(ctx); err != nil {
			return
		}

		batch := o.takeBatch()
		if len(batch) == 0 {
			return
		}
		if !o.runBatch(ctx, batch) {
			return
		}
	}
}

// yield spaces batches by BatchYield using the injected clock.
func (o *Orchestrator) yield(ctx context.Context) error {
	now := o.clock.Now()
	r := o.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-o.clock.After(delay):
		return nil
	}
}

// notify wakes Flush waiters. Caller holds o.mu.
func (o *Orchestrator) notify() {
	close(o.changed)
	o.changed = make(chan struct{})
}
