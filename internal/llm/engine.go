package llm

import (
	"context"
	"fmt"
	"strings"

	"relaygate/internal/engine"
	"relaygate/pkg/types"
)

// Engine runs generation against an OpenAI-compatible server. The prompt is
// sent as a single user message.
type Engine struct {
	client Client
	model  string
	stream bool
}

// NewEngine returns an engine.Engine backed by client. With stream set,
// upstream deltas are emitted as they arrive.
func NewEngine(client Client, model string, stream bool) *Engine {
	return &Engine{client: client, model: model, stream: stream}
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) Generate(ctx context.Context, req types.GenerateRequest, emit engine.EmitFunc) (string, error) {
	temp := float32(req.Temperature)
	chat := &ChatRequest{
		Model:       e.model,
		Messages:    []ChatMessage{{Role: RoleUser, Content: req.Text}},
		Temperature: &temp,
		MaxTokens:   req.MaxTokens,
	}

	if !e.stream {
		resp, err := e.client.ChatCompletion(ctx, chat)
		if err != nil {
			return "", err
		}
		return resp.Text(), nil
	}

	// cancel unblocks the reader goroutine if we stop consuming early
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := e.client.ChatCompletionStream(ctx, chat)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for res := range results {
		if res.Err != nil {
			return "", res.Err
		}
		if res.Chunk == nil || res.Chunk.Index != 0 || res.Chunk.Delta == "" {
			continue
		}
		text.WriteString(res.Chunk.Delta)
		if emit != nil {
			if err := emit(res.Chunk.Delta); err != nil {
				return "", fmt.Errorf("emit fragment: %w", err)
			}
		}
	}
	// The stream closes without an error when ctx is cancelled.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text.String(), nil
}
