// Package bridge forwards one request's token channel to one client
// connection.
//
// The bridge has no fallback of its own. A client that connects after the
// stream finished (typically a cache replay) sees nothing and must poll the
// result endpoint.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relaygate/internal/tokens"
)

// EndOfStream is sent to the client after the last token. It is distinct
// from the internal sentinel so clients never see the store's protocol.
const EndOfStream = "[DONE]"

// ErrIdle is returned when no event arrives within the idle window.
var ErrIdle = errors.New("stream idle timeout")

// Sink is one client connection.
type Sink interface {
	Send(ctx context.Context, message string) error
}

type Options struct {
	// IdleTimeout ends the bridge when no event arrives for this long.
	// Zero waits forever.
	IdleTimeout time.Duration
}

// Forward relays tokens from sub to sink until the sentinel, then sends
// EndOfStream. It returns nil after a complete stream and ctx.Err() when the
// client goes away. The caller owns sub and must Close it.
func Forward(ctx context.Context, sub *tokens.Subscription, sink Sink, opts Options) (int, error) {
	forwarded := 0
	for {
		tok, done, err := next(ctx, sub, opts.IdleTimeout)
		if err != nil {
			return forwarded, err
		}
		if done {
			if err := sink.Send(ctx, EndOfStream); err != nil {
				return forwarded, fmt.Errorf("send end of stream: %w", err)
			}
			return forwarded, nil
		}
		if err := sink.Send(ctx, tok); err != nil {
			return forwarded, fmt.Errorf("send token: %w", err)
		}
		forwarded++
	}
}

func next(ctx context.Context, sub *tokens.Subscription, idle time.Duration) (string, bool, error) {
	if idle <= 0 {
		return sub.Next(ctx)
	}

	waitCtx, cancel := context.WithTimeoutCause(ctx, idle, ErrIdle)
	defer cancel()

	tok, done, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(context.Cause(waitCtx), ErrIdle) {
		return "", false, ErrIdle
	}
	return tok, done, err
}
