// Package engine defines the boundary to the inference engine.
package engine

import (
	"context"
	"strings"

	"relaygate/pkg/types"
)

// EmitFunc receives an incremental output fragment. Engines without
// incremental output never call it.
type EmitFunc func(fragment string) error

// Engine produces a completion for req. The returned text is the full
// completion regardless of whether fragments were emitted.
type Engine interface {
	Generate(ctx context.Context, req types.GenerateRequest, emit EmitFunc) (string, error)
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, req types.GenerateRequest, emit EmitFunc) (string, error)

func (f Func) Generate(ctx context.Context, req types.GenerateRequest, emit EmitFunc) (string, error) {
	return f(ctx, req, emit)
}

// Echo repeats the prompt back, truncated to MaxTokens words. It emits one
// fragment per word. Useful for local runs without a model server.
type Echo struct{}

func (Echo) Generate(ctx context.Context, req types.GenerateRequest, emit EmitFunc) (string, error) {
	words := strings.Fields(req.Text)
	if len(words) > req.MaxTokens {
		words = words[:req.MaxTokens]
	}
	for _, w := range words {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if emit != nil {
			if err := emit(w); err != nil {
				return "", err
			}
		}
	}
	return strings.Join(words, " "), nil
}
