// Package tokens implements the per-request token channel: an ordered
// stream of text fragments closed by a terminal sentinel.
//
// Delivery is best effort. Only subscribers that are listening when a
// fragment is published receive it; the result store is the source of
// truth for the complete text.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"relaygate/internal/store"
)

// Sentinel terminates every request's channel. It is never a valid token.
const Sentinel = "__DONE__"

var (
	// ErrReservedToken is returned when publishing a token equal to Sentinel.
	ErrReservedToken = errors.New("token collides with end-of-stream sentinel")

	// ErrSubscriptionClosed means the subscription ended before the sentinel.
	ErrSubscriptionClosed = errors.New("subscription closed before end of stream")
)

// Topic names the channel of a request.
func Topic(requestID string) string {
	return "tokens:" + requestID
}

// Fragments splits text on whitespace, the streaming granularity used both
// for cache replays and for engines without incremental output.
func Fragments(text string) []string {
	return strings.Fields(text)
}

type Channel struct {
	ps store.PubSub
}

func NewChannel(ps store.PubSub) *Channel {
	return &Channel{ps: ps}
}

func (c *Channel) Publish(ctx context.Context, requestID, token string) error {
	if token == Sentinel {
		return ErrReservedToken
	}
	if err := c.ps.Publish(ctx, Topic(requestID), token); err != nil {
		return fmt.Errorf("publish token for %s: %w", requestID, err)
	}
	return nil
}

// Finish publishes the terminal sentinel. Call it exactly once per request,
// after the last token.
func (c *Channel) Finish(ctx context.Context, requestID string) error {
	if err := c.ps.Publish(ctx, Topic(requestID), Sentinel); err != nil {
		return fmt.Errorf("publish sentinel for %s: %w", requestID, err)
	}
	return nil
}

// PublishAll publishes every fragment in order followed by the sentinel.
// Fragments equal to the sentinel are skipped. It returns the number of
// fragments published. A failed fragment stops the burst, but the sentinel
// is still attempted so subscribers that got a prefix see the end.
func (c *Channel) PublishAll(ctx context.Context, requestID string, fragments []string) (int, error) {
	published := 0
	for _, f := range fragments {
		err := c.Publish(ctx, requestID, f)
		if errors.Is(err, ErrReservedToken) {
			continue
		}
		if err != nil {
			return published, errors.Join(err, c.Finish(ctx, requestID))
		}
		published++
	}
	return published, c.Finish(ctx, requestID)
}

// Subscribe starts listening on the request's channel. Tokens published
// before Subscribe returns are not delivered.
func (c *Channel) Subscribe(ctx context.Context, requestID string) (*Subscription, error) {
	sub, err := c.ps.Subscribe(ctx, Topic(requestID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", requestID, err)
	}
	return &Subscription{sub: sub}, nil
}

// Subscription is a single-use iterator over one request's tokens.
type Subscription struct {
	sub  store.Subscription
	done bool
}

// Next blocks until the next token. It returns done=true once the sentinel
// arrives; every later call does the same without blocking.
func (s *Subscription) Next(ctx context.Context) (token string, done bool, err error) {
	if s.done {
		return "", true, nil
	}

	select {
	case msg, ok := <-s.sub.Messages():
		if !ok {
			return "", false, ErrSubscriptionClosed
		}
		if msg == Sentinel {
			s.done = true
			return "", true, nil
		}
		return msg, false, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

func (s *Subscription) Close() error {
	return s.sub.Close()
}
