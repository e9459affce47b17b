package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaygate/internal/store"
	"relaygate/pkg/types"
)

const keyPrefix = "cache:"

// ErrCorruptEntry is returned by Get when a stored entry cannot be decoded.
var ErrCorruptEntry = errors.New("corrupt cache entry")

// Key returns the store key for a fingerprint.
func Key(fingerprint string) string {
	return keyPrefix + fingerprint
}

// CompletionCache maps fingerprints to finished results. Entries are never
// invalidated, only expire; concurrent Puts for one fingerprint resolve as
// last-write-wins.
type CompletionCache interface {
	Get(ctx context.Context, fingerprint string) (types.Result, bool, error)
	Put(ctx context.Context, fingerprint string, result types.Result, ttl time.Duration) error
}

type kvCompletionCache struct {
	kv store.KeyValue
}

// NewCompletionCache returns a CompletionCache on top of kv.
func NewCompletionCache(kv store.KeyValue) CompletionCache {
	return &kvCompletionCache{kv: kv}
}

func (c *kvCompletionCache) Get(ctx context.Context, fingerprint string) (types.Result, bool, error) {
	raw, ok, err := c.kv.Get(ctx, Key(fingerprint))
	if err != nil || !ok {
		return types.Result{}, false, err
	}

	res, err := types.ParseResult(raw)
	if err != nil {
		return types.Result{}, false, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
	}
	return res, true, nil
}

func (c *kvCompletionCache) Put(ctx context.Context, fingerprint string, result types.Result, ttl time.Duration) error {
	raw, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.kv.Set(ctx, Key(fingerprint), raw, ttl)
}
