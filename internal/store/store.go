// Package store holds the shared-store primitives every other component is
// built on. The three concerns (expiring key/value, FIFO list, pub/sub
// topics) are kept as separate interfaces so they can later live on
// different backends; today both Redis and Memory implement all three.
package store

import (
	"context"
	"time"
)

// KeyValue is an expiring key/value facility. A missing or expired key is
// reported as found=false with a nil error.
type KeyValue interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Queue is a FIFO list with an atomic blocking pop. A value pushed once is
// returned by at most one Pop, however many consumers race for it.
// Pop returns found=false with a nil error when timeout elapses.
type Queue interface {
	Push(ctx context.Context, name string, value []byte) error
	Pop(ctx context.Context, name string, timeout time.Duration) ([]byte, bool, error)
}

// PubSub delivers messages to the subscribers active at publish time.
// Subscribe returns once the subscription is live.
type PubSub interface {
	Publish(ctx context.Context, topic string, message string) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Subscription is a live topic subscription. Messages is closed after
// Close, or when the backend drops the subscription.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

// Backend bundles the three facilities on one physical store.
type Backend interface {
	KeyValue
	Queue
	PubSub
	Ping(ctx context.Context) error
	Close() error
}
