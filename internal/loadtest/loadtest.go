// Package loadtest drives an engine with concurrent writers to measure
// local write latency and how long the remote queue takes to drain.
//
// Each writer simulates one busy conversation: it creates a thread and
// appends messages to it as fast as it can. Every local write must return
// without waiting on the network, so write latency stays flat while the
// queue absorbs the backlog.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/threadsync/threadsync/internal/engine"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/schema"
	"github.com/threadsync/threadsync/internal/syncer"
)

// Options controls one run.
type Options struct {
	// Writers is the number of concurrent conversations (default: 10)
	Writers int

	// Messages is the number of messages each writer appends (default: 20)
	Messages int

	// Seed makes message contents reproducible
	Seed int64
}

// LatencyStats summarizes a set of durations.
type LatencyStats struct {
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Result is the outcome of Run.
type Result struct {
	Threads  int           `json:"threads"`
	Messages int           `json:"messages"`
	Writes   LatencyStats  `json:"writes"`
	Elapsed  time.Duration `json:"elapsed"`

	// Drain is the time from the last local write until the queue was
	// empty
	Drain time.Duration `json:"drain"`
}

// Run executes the load against a started engine and waits for its queue
// to drain.
func Run(ctx context.Context, eng *engine.Engine, opts Options) (*Result, error) {
	if opts.Writers <= 0 {
		opts.Writers = 10
	}
	if opts.Messages <= 0 {
		opts.Messages = 20
	}

	var mu sync.Mutex
	var durations []time.Duration
	record := func(d time.Duration) {
		mu.Lock()
		durations = append(durations, d)
		mu.Unlock()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Writers; w++ {
		rng := rand.New(rand.NewSource(opts.Seed + int64(w)))
		g.Go(func() error {
			return write(gctx, eng, w, opts.Messages, rng, record)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	written := time.Now()

	if err := eng.Flush(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain queue: %w", err)
	}
	done := time.Now()

	return &Result{
		Threads:  opts.Writers,
		Messages: opts.Writers * opts.Messages,
		Writes:   computeLatencyStats(durations),
		Elapsed:  done.Sub(start),
		Drain:    done.Sub(written),
	}, nil
}

func write(ctx context.Context, eng *engine.Engine, writer, messages int, rng *rand.Rand, record func(time.Duration)) error {
	t0 := time.Now()
	th, err := eng.CreateThread(syncer.ThreadParams{Title: fmt.Sprintf("Load %d", writer)})
	if err != nil {
		return fmt.Errorf("writer %d failed to create thread: %w", writer, err)
	}
	record(time.Since(t0))

	roles := []schema.Role{schema.RoleUser, schema.RoleAssistant}
	for i := 0; i < messages; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t0 := time.Now()
		_, err := eng.CreateMessage(syncer.MessageParams{
			ThreadID: th.ID,
			Role:     roles[i%2],
			Content:  sentence(rng, writer, i),
		})
		if err != nil {
			return fmt.Errorf("writer %d failed on message %d: %w", writer, i, err)
		}
		record(time.Since(t0))
	}
	return nil
}

var words = []string{"sync", "queue", "thread", "message", "token", "remote", "tab", "cache", "batch", "feed"}

func sentence(rng *rand.Rand, writer, i int) string {
	n := 4 + rng.Intn(12)
	out := fmt.Sprintf("w%d-m%d:", writer, i)
	for j := 0; j < n; j++ {
		out += " " + words[rng.Intn(len(words))]
	}
	return out
}

// VerifyReplicated checks that every thread and message in the engine's
// store exists on the remote.
func VerifyReplicated(ctx context.Context, eng *engine.Engine, rs remote.Store) error {
	owner := eng.CurrentUser()
	for _, th := range eng.Threads() {
		if th.OwnerID != owner {
			continue
		}
		if err := exists(ctx, rs, schema.CollectionThreads, th.ID); err != nil {
			return err
		}
		remoteMsgs, err := rs.List(ctx, schema.CollectionMessages, remote.Filter{ThreadID: th.ID})
		if err != nil {
			return fmt.Errorf("failed to list messages of %s: %w", th.ID, err)
		}
		ids := make(map[string]bool, len(remoteMsgs))
		for _, raw := range remoteMsgs {
			var m struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &m); err == nil {
				ids[m.ID] = true
			}
		}
		for _, m := range eng.Messages(th.ID) {
			if !ids[m.ID] {
				return fmt.Errorf("message %s of thread %s missing on the remote", m.ID, th.ID)
			}
		}
	}
	return nil
}

func exists(ctx context.Context, rs remote.Store, collection, id string) error {
	recs, err := rs.List(ctx, collection, remote.Filter{ID: id})
	if err != nil {
		return fmt.Errorf("failed to look up %s %s: %w", collection, id, err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("%s %s missing on the remote", collection, id)
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Load:\n")
	fmt.Fprintf(w, "  Threads:       %d\n", r.Threads)
	fmt.Fprintf(w, "  Messages:      %d\n", r.Messages)
	fmt.Fprintf(w, "  Elapsed:       %v\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Queue drain:   %v\n", r.Drain.Round(time.Millisecond))
	fmt.Fprintf(w, "Local write latency (%d writes):\n", r.Writes.Count)
	fmt.Fprintf(w, "  Min:           %v\n", r.Writes.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Writes.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Writes.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Writes.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Writes.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Writes.Max)
}
