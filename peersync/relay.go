package peersync

import (
	"context"
	"fmt"

	"github.com/kjk/datastore/log"
	"github.com/redis/go-redis/v9"
)

const DefaultRelayChannel = "datastore:sync"

// RedisRelay shares broadcasts between hubs through redis pub/sub.
// Every hub publishes and every hub forwards what it receives to its peers
type RedisRelay struct {
	rdb     *redis.Client
	channel string
}

// NewRedisRelay connects to redis at addr (host:port)
func NewRedisRelay(ctx context.Context, addr string, channel string) (*RedisRelay, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at '%s': %w", addr, err)
	}
	return NewRedisRelayWithClient(rdb, channel), nil
}

func NewRedisRelayWithClient(rdb *redis.Client, channel string) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{
		rdb:     rdb,
		channel: channel,
	}
}

func (r *RedisRelay) Channel() string {
	return r.channel
}

func (r *RedisRelay) Publish(ctx context.Context, d []byte) error {
	return r.rdb.Publish(ctx, r.channel, d).Err()
}

// Subscribe calls fn for every message published on the channel
// until ctx is cancelled
func (r *RedisRelay) Subscribe(ctx context.Context, fn func(d []byte)) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()
	ch := pubsub.Channel()
	log.Logf("peersync: subscribed to redis channel '%s'\n", r.channel)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
