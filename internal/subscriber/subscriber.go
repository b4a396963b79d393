// Package subscriber mirrors remote changes into the local store.
//
// One change-feed subscription is held per tracked collection. Each
// delivery is filtered by access (own records, or threads and messages of
// projects the current user owns or belongs to), repaired where a
// structured field is malformed, merged into the store and announced on the
// change bus. Merges never queue remote writes.
//
// Merge rules:
//   - created: ignored when the id is already stored (the echo of a local
//     write) or, for messages, when a logical duplicate is stored
//   - updated: always applied
//   - deleted: applied when the record is stored locally
//   - resync: the collection is pulled again to backfill missed changes
package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/store"
)

// ErrNoOwner is returned by Pull before SubscribeAll.
var ErrNoOwner = errors.New("no current user")

// Config holds configuration for the subscriber.
type Config struct {
	// PageSize is the number of records fetched per List call during Pull
	PageSize int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{PageSize: 200}
}

// Subscriber merges remote changes into the local store.
type Subscriber struct {
	store   *store.Store
	remote  remote.Store
	bus     *bus.Bus
	config  Config
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	owner  string
	cancel context.CancelFunc
	unsubs []func()
}

// New creates a subscriber.
func New(st *store.Store, rs remote.Store, b *bus.Bus, config *Config) *Subscriber {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	return &Subscriber{
		store:   st,
		remote:  rs,
		bus:     b,
		config:  cfg,
		log:     logging.OrNop(cfg.Logger).With("component", "subscriber"),
		metrics: cfg.Metrics,
	}
}

// SubscribeAll opens one subscription per tracked collection on behalf of
// ownerID. Subscriptions end on UnsubscribeAll or when ctx is cancelled.
func (s *Subscriber) SubscribeAll(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("owner id cannot be empty")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.owner = ownerID
	s.cancel = cancel
	s.mu.Unlock()

	for _, c := range schema.TrackedCollections {
		unsubscribe, err := s.remote.Subscribe(runCtx, c, func(e remote.Event) {
			s.handle(runCtx, e)
		})
		if err != nil {
			s.UnsubscribeAll()
			return fmt.Errorf("failed to subscribe to %s: %w", c, err)
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsubscribe)
		s.mu.Unlock()
	}

	s.log.Info("subscribed to remote changes", "owner", ownerID, "collections", len(schema.TrackedCollections))
	return nil
}

// UnsubscribeAll closes every subscription and forgets the owner.
func (s *Subscriber) UnsubscribeAll() {
	s.mu.Lock()
	unsubs := s.unsubs
	cancel := s.cancel
	s.unsubs = nil
	s.cancel = nil
	s.owner = ""
	s.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
		s.log.Debug("unsubscribed from remote changes", "subscriptions", len(unsubs))
	}
}

// Owner returns the user the subscriptions were opened for.
func (s *Subscriber) Owner() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Pull loads every collection owned by the current user from the remote,
// then the projects shared with them along with their threads and
// messages.
func (s *Subscriber) Pull(ctx context.Context) error {
	owner := s.Owner()
	if owner == "" {
		return ErrNoOwner
	}
	for _, c := range schema.TrackedCollections {
		if err := s.PullCollection(ctx, c); err != nil {
			return err
		}
	}
	if err := s.pullShared(ctx, owner); err != nil {
		return err
	}
	return nil
}

// PullCollection pages through one collection of the current user, oldest
// first, and merges each record.
func (s *Subscriber) PullCollection(ctx context.Context, collection string) error {
	owner := s.Owner()
	if owner == "" {
		return ErrNoOwner
	}
	n, err := s.pullPages(ctx, collection, remote.Filter{OwnerID: owner})
	if err != nil {
		return err
	}
	s.log.Debug("pulled collection", "collection", collection, "records", n)
	return nil
}

// pullShared pulls projects the user is a member of, with their threads
// and the messages of those threads.
func (s *Subscriber) pullShared(ctx context.Context, owner string) error {
	memberships, err := s.remote.List(ctx, schema.CollectionMembers, remote.Filter{UserID: owner})
	if err != nil {
		return fmt.Errorf("failed to list project memberships: %w", err)
	}
	for _, raw := range memberships {
		var m schema.ProjectMember
		if err := json.Unmarshal(raw, &m); err != nil || m.ProjectID == "" {
			s.log.Warn("skipping malformed membership", "error", err)
			continue
		}
		if _, err := s.pullPages(ctx, schema.CollectionProjects, remote.Filter{ID: m.ProjectID}); err != nil {
			return err
		}
		threads, err := s.pullPages(ctx, schema.CollectionThreads, remote.Filter{ProjectID: m.ProjectID})
		if err != nil {
			return err
		}
		if threads == 0 {
			continue
		}
		for _, t := range s.store.ThreadsByProject(m.ProjectID) {
			if _, err := s.pullPages(ctx, schema.CollectionMessages, remote.Filter{ThreadID: t.ID}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Subscriber) pullPages(ctx context.Context, collection string, f remote.Filter) (int, error) {
	f.Sort = "created_at"
	f.Limit = s.config.PageSize
	total := 0
	for {
		records, err := s.remote.List(ctx, collection, f)
		if err != nil {
			return total, fmt.Errorf("failed to list %s: %w", collection, err)
		}
		for _, raw := range records {
			s.merge(ctx, modePull, collection, raw)
		}
		total += len(records)
		if len(records) < f.Limit {
			return total, nil
		}
		f.Offset += f.Limit
	}
}

// handle processes one feed delivery.
func (s *Subscriber) handle(ctx context.Context, e remote.Event) {
	switch e.Type {
	case remote.EventResync:
		s.metrics.FeedEvent(e.Collection, "resync")
		s.log.Info("feed reconnected, backfilling", "collection", e.Collection)
		if err := s.PullCollection(ctx, e.Collection); err != nil {
			s.log.Warn("backfill failed", "collection", e.Collection, "error", err)
		}
	case remote.EventCreated:
		s.merge(ctx, modeCreated, e.Collection, e.Record)
	case remote.EventUpdated:
		s.merge(ctx, modeUpdated, e.Collection, e.Record)
	case remote.EventDeleted:
		s.merge(ctx, modeDeleted, e.Collection, e.Record)
	default:
		s.log.Warn("unknown feed event", "type", e.Type, "collection", e.Collection)
	}
}
