package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/threadsync/threadsync/internal/logging"
)

const envelopeExt = ".json"

// FileChannelConfig configures a FileChannel.
type FileChannelConfig struct {
	// RemoveAfter is how long an envelope file stays in the directory
	RemoveAfter time.Duration

	Clock  clock.Clock
	Logger *logging.Logger
}

// FileChannel exchanges envelopes through files in a directory shared by
// the tabs of a profile. Each envelope is written to a temporary name and
// renamed into place, so watchers only ever see complete files, and is
// removed shortly afterwards.
type FileChannel struct {
	dir         string
	removeAfter time.Duration
	clock       clock.Clock
	log         *logging.Logger

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	listening bool
	closed    bool
	removals  map[string]*clock.Timer
	wg        sync.WaitGroup
}

// NewFileChannel creates a channel on dir, creating the directory if
// needed.
func NewFileChannel(dir string, cfg *FileChannelConfig) (*FileChannel, error) {
	if cfg == nil {
		cfg = &FileChannelConfig{}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create channel directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	fc := &FileChannel{
		dir:         dir,
		removeAfter: cfg.RemoveAfter,
		clock:       cfg.Clock,
		log:         logging.OrNop(cfg.Logger).With("component", "file_channel"),
		watcher:     watcher,
		removals:    make(map[string]*clock.Timer),
	}
	if fc.removeAfter <= 0 {
		fc.removeAfter = 250 * time.Millisecond
	}
	if fc.clock == nil {
		fc.clock = clock.New()
	}
	return fc, nil
}

// Dir returns the shared directory.
func (fc *FileChannel) Dir() string {
	return fc.dir
}

// Publish writes env as a new file in the directory.
func (fc *FileChannel) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fc.mu.Lock()
	closed := fc.closed
	fc.mu.Unlock()
	if closed {
		return fmt.Errorf("file channel closed")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	name := ulid.Make().String() + envelopeExt
	tmp := filepath.Join(fc.dir, "."+name+".tmp")
	path := filepath.Join(fc.dir, name)
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	fc.mu.Lock()
	fc.removals[path] = fc.clock.AfterFunc(fc.removeAfter, func() { fc.remove(path) })
	fc.mu.Unlock()
	return nil
}

// Listen starts watching the directory until ctx is cancelled. A channel
// has at most one listener at a time.
func (fc *FileChannel) Listen(ctx context.Context, fn func(Envelope)) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if fc.closed {
		return fmt.Errorf("file channel closed")
	}
	if fc.listening {
		return fmt.Errorf("file channel already has a listener")
	}
	if err := fc.watcher.Add(fc.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", fc.dir, err)
	}
	fc.listening = true

	fc.wg.Add(1)
	go fc.processEvents(ctx, fn)
	return nil
}

// Close stops watching and removes the envelope files this channel wrote
// that are still on disk.
func (fc *FileChannel) Close() error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return nil
	}
	fc.closed = true
	removals := fc.removals
	fc.removals = make(map[string]*clock.Timer)
	fc.mu.Unlock()

	err := fc.watcher.Close()
	fc.wg.Wait()

	for path, t := range removals {
		t.Stop()
		_ = os.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (fc *FileChannel) processEvents(ctx context.Context, fn func(Envelope)) {
	defer fc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			fc.unlisten()
			return

		case event, ok := <-fc.watcher.Events:
			if !ok {
				return
			}
			if !fc.isEnvelope(event) {
				continue
			}
			env, err := readEnvelope(event.Name)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					fc.log.Warn("skipping unreadable envelope", "path", event.Name, "error", err)
				}
				continue
			}
			fn(env)

		case err, ok := <-fc.watcher.Errors:
			if !ok {
				return
			}
			fc.log.Warn("watcher error", "error", err)
		}
	}
}

func (fc *FileChannel) unlisten() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed {
		_ = fc.watcher.Remove(fc.dir)
	}
	fc.listening = false
}

// isEnvelope reports whether event announces a new envelope file.
func (fc *FileChannel) isEnvelope(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) {
		return false
	}
	base := filepath.Base(event.Name)
	return strings.HasSuffix(base, envelopeExt) && !strings.HasPrefix(base, ".")
}

func (fc *FileChannel) remove(path string) {
	fc.mu.Lock()
	delete(fc.removals, path)
	fc.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fc.log.Debug("failed to remove envelope", "path", path, "error", err)
	}
}

func readEnvelope(path string) (Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return env, nil
}
