package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Backend on a single Redis deployment: strings with EX
// for KeyValue, RPUSH/BLPOP lists for Queue and PUBLISH/SUBSCRIBE for PubSub.
type Redis struct {
	client *redis.Client
	prefix string
}

type RedisConfig struct {
	Prefix string
}

func NewRedis(client *redis.Client, config RedisConfig) *Redis {
	return &Redis{
		client: client,
		prefix: config.Prefix,
	}
}

// key builds the final Redis key (or channel) with prefix.
func (r *Redis) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("context error: %w", err)
	}

	res, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

// Set stores value with TTL. A non-positive ttl stores nothing.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if ttl <= 0 {
		return nil
	}

	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Push(ctx context.Context, name string, value []byte) error {
	if err := r.client.RPush(ctx, r.key(name), value).Err(); err != nil {
		return fmt.Errorf("redis rpush failed: %w", err)
	}
	return nil
}

// Pop blocks on BLPOP, which hands each element to exactly one client.
func (r *Redis) Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, bool, error) {
	res, err := r.client.BLPop(ctx, timeout, r.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis blpop failed: %w", err)
	}
	// BLPOP replies with [list, value].
	if len(res) != 2 {
		return nil, false, fmt.Errorf("redis blpop: unexpected reply length %d", len(res))
	}
	return []byte(res[1]), true, nil
}

func (r *Redis) Publish(ctx context.Context, topic string, message string) error {
	if err := r.client.Publish(ctx, r.key(topic), message).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe waits for the server's subscribe confirmation before
// returning, so nothing published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, r.key(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan string),
		done: make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan string
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan string {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
