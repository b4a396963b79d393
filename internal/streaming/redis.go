package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/threadsync/threadsync/internal/logging"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "threadsync:streaming"

// RedisChannel exchanges envelopes over Redis pub/sub, for tabs that do not
// share a filesystem.
type RedisChannel struct {
	log     *logging.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisChannel connects to the Redis server at addr and verifies the
// connection.
func NewRedisChannel(ctx context.Context, addr, channel string, logger *logging.Logger) (*RedisChannel, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if strings.TrimSpace(channel) == "" {
		channel = DefaultRedisChannel
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisChannel{
		log:     logging.OrNop(logger).With("component", "redis_channel"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Publish sends env to every subscriber of the channel.
func (rc *RedisChannel) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := rc.rdb.Publish(ctx, rc.channel, raw).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and delivers envelopes until ctx is
// cancelled.
func (rc *RedisChannel) Listen(ctx context.Context, fn func(Envelope)) error {
	sub := rc.rdb.Subscribe(ctx, rc.channel)

	// Wait for the subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", rc.channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					rc.log.Warn("bad envelope payload", "error", err)
					continue
				}
				fn(env)
			}
		}
	}()
	return nil
}

// Close closes the Redis client.
func (rc *RedisChannel) Close() error {
	if rc == nil || rc.rdb == nil {
		return nil
	}
	return rc.rdb.Close()
}
