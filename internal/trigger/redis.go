// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/invowk/wasmshim/internal/kv"
	"github.com/invowk/wasmshim/internal/manifest"
)

// RedisSource subscribes to one pub/sub channel. Pub/sub has no
// redelivery, so the consumer retries in process.
type RedisSource struct {
	addr       string
	channel    string
	deadLetter string

	client    *redis.Client
	pubsub    *redis.PubSub
	msgs      <-chan *redis.Message
	closeOnce sync.Once
}

// NewRedisSource returns a source for cfg. fallbackAddr is redis.address.
func NewRedisSource(cfg manifest.RedisConfig, fallbackAddr string) *RedisSource {
	addr := cfg.Address
	if addr == "" {
		addr = fallbackAddr
	}
	return &RedisSource{addr: addr, channel: cfg.Channel, deadLetter: cfg.DeadLetter}
}

// Open connects and waits for the subscription to be confirmed.
func (s *RedisSource) Open(ctx context.Context) error {
	opts, err := kv.RedisOptions(s.addr)
	if err != nil {
		return err
	}
	s.client = redis.NewClient(opts)
	s.pubsub = s.client.Subscribe(ctx, s.channel)
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	s.msgs = s.pubsub.Channel()
	return nil
}

// Receive returns the next published message.
func (s *RedisSource) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.msgs:
		if !ok {
			return nil, ErrSourceClosed
		}
		d := &Delivery{
			ID:      uuid.NewString(),
			Payload: []byte(msg.Payload),
			Env:     map[string]string{"WASMSHIM_REDIS_CHANNEL": msg.Channel},
			Attempt: 1,
		}
		if s.deadLetter != "" {
			d.DeadLetter = func(ctx context.Context, _ error) error {
				return s.client.Publish(ctx, s.deadLetter, msg.Payload).Err()
			}
		}
		return d, nil
	}
}

// BrokerRedelivery is false for pub/sub.
func (*RedisSource) BrokerRedelivery() bool { return false }

// Close unsubscribes and closes the connection.
func (s *RedisSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
		if s.client != nil {
			err = errors.Join(err, s.client.Close())
		}
	})
	return err
}
