// Package results stores finished generations by request identifier so
// clients can poll for them independently of the token stream.
package results

import (
	"context"
	"fmt"
	"time"

	"relaygate/internal/store"
	"relaygate/pkg/types"
)

const keyPrefix = "result:"

func Key(requestID string) string {
	return keyPrefix + requestID
}

// Store is the Result Store. Get reports found=false both for results that
// are not ready yet and for results that have expired.
type Store struct {
	kv  store.KeyValue
	ttl time.Duration
}

func NewStore(kv store.KeyValue, ttl time.Duration) *Store {
	return &Store{kv: kv, ttl: ttl}
}

// TTL is the expiry applied by Put.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

func (s *Store) Put(ctx context.Context, requestID string, result types.Result) error {
	raw, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.kv.Set(ctx, Key(requestID), raw, s.ttl); err != nil {
		return fmt.Errorf("store result %s: %w", requestID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, requestID string) (types.Result, bool, error) {
	raw, ok, err := s.kv.Get(ctx, Key(requestID))
	if err != nil {
		return types.Result{}, false, fmt.Errorf("load result %s: %w", requestID, err)
	}
	if !ok {
		return types.Result{}, false, nil
	}
	res, err := types.ParseResult(raw)
	if err != nil {
		return types.Result{}, false, err
	}
	return res, true, nil
}
