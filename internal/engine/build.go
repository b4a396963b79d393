package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/threadsync/threadsync/internal/bus"
	"github.com/threadsync/threadsync/internal/completion"
	"github.com/threadsync/threadsync/internal/config"
	"github.com/threadsync/threadsync/internal/logging"
	"github.com/threadsync/threadsync/internal/metrics"
	"github.com/threadsync/threadsync/internal/remote"
	"github.com/threadsync/threadsync/internal/streaming"
	"github.com/threadsync/threadsync/internal/subscriber"
	"github.com/threadsync/threadsync/internal/syncer"
)

// FromConfig builds an engine from loaded settings: the remote client when
// a URL is configured (in-memory otherwise), the configured streaming
// channel and, when an API key is available, the Anthropic completion
// source.
func FromConfig(ctx context.Context, c *config.Config, logger *logging.Logger, m *metrics.Metrics) (*Engine, error) {
	log := logging.OrNop(logger)
	cfg := &Config{
		StorePath:    c.StorePath(),
		MaxSlotBytes: c.Store.MaxSlotBytes,
		Bus:          bus.DefaultConfig(),
		Sync: &syncer.Config{
			BatchSize:     c.Sync.BatchSize,
			RetryInterval: c.Sync.RetryInterval,
			BatchYield:    c.Sync.BatchYield,
			MaxAttempts:   c.Sync.MaxAttempts,
			BranchSuffix:  c.Sync.BranchSuffix,
		},
		Subscriber: &subscriber.Config{PageSize: c.Sync.PageSize},
		Streaming: &streaming.Config{
			Retention: c.Streaming.Retention,
			Freshness: c.Streaming.Freshness,
		},
		Logger:  log,
		Metrics: m,
	}

	if c.Remote.URL != "" {
		client, err := remote.NewClient(&remote.ClientConfig{
			BaseURL:      c.Remote.URL,
			Token:        c.Remote.Token,
			ReconnectMin: c.Remote.ReconnectMin,
			ReconnectMax: c.Remote.ReconnectMax,
			Logger:       log,
			Metrics:      m,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create remote client: %w", err)
		}
		cfg.Remote = client
	} else {
		log.Warn("no remote configured, syncing to an in-memory store")
	}

	ch, err := openChannel(ctx, c, log)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		cfg.Streaming.Channel = ch
		cfg.Closers = append(cfg.Closers, ch)
	}

	if c.Completion.APIKey != "" {
		cfg.Completion = completion.NewAnthropicSource(completion.AnthropicConfig{
			APIKey:    c.Completion.APIKey,
			Model:     c.Completion.Model,
			MaxTokens: c.Completion.MaxTokens,
			BaseURL:   c.Completion.BaseURL,
		})
	}

	e, err := New(cfg)
	if err != nil {
		closeAll(cfg.Closers)
		return nil, err
	}
	return e, nil
}

func openChannel(ctx context.Context, c *config.Config, log *logging.Logger) (streaming.Channel, error) {
	switch c.Streaming.Channel {
	case config.ChannelFile:
		ch, err := streaming.NewFileChannel(c.StreamingDir(), &streaming.FileChannelConfig{Logger: log})
		if err != nil {
			return nil, fmt.Errorf("failed to open file channel: %w", err)
		}
		return ch, nil
	case config.ChannelRedis:
		ch, err := streaming.NewRedisChannel(ctx, c.Streaming.RedisAddr, c.Streaming.RedisChannel, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis channel: %w", err)
		}
		return ch, nil
	default:
		return nil, nil
	}
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
