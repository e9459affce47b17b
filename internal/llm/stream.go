package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

var (
	ssePrefix = []byte("data: ")
	sseDone   = []byte("[DONE]")
)

// ChatCompletionStream sends a streaming request and returns a channel of
// deltas. The channel is closed after upstream [DONE], EOF, or an error
// delivered as the last StreamResult. Hitting UpstreamTimeout mid-stream is
// such an error. Only cancelling parentCtx closes the channel silently, so
// callers must drain it or cancel parentCtx. Only the connect phase is
// retried.
func (c *client) ChatCompletionStream(parentCtx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	body, err := c.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.UpstreamTimeout)
	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()

		// fail delivers the terminal error. It only gives up when the caller
		// has cancelled parentCtx and stopped reading.
		fail := func(err error) {
			select {
			case results <- StreamResult{Err: err}:
			case <-parentCtx.Done():
			}
		}

		send := func(r StreamResult) bool {
			select {
			case results <- r:
				return true
			case <-ctx.Done():
				fail(fmt.Errorf("llmclient: stream interrupted: %w", ctx.Err()))
				return false
			}
		}

		resp, err := c.doWithRetry(ctx, body, c.post)
		if err != nil {
			c.logger.Error("llm stream connect failed",
				zap.String("model", req.Model),
				zap.Error(err),
			)
			fail(err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			fail(c.upstreamError(resp, req.Model))
			return
		}

		reader := bufio.NewReader(resp.Body)
		chunkCount := 0

		for {
			if ctx.Err() != nil {
				c.logger.Warn("llm stream interrupted",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
					zap.Error(ctx.Err()),
				)
				fail(fmt.Errorf("llmclient: stream interrupted: %w", ctx.Err()))
				return
			}

			line, err := reader.ReadBytes('\n')
			if err == io.EOF && len(bytes.TrimSpace(line)) == 0 {
				if ctxErr := ctx.Err(); ctxErr != nil {
					fail(fmt.Errorf("llmclient: stream interrupted: %w", ctxErr))
					return
				}
				c.logger.Info("llm stream completed (EOF)",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
				)
				return
			}
			if err != nil && err != io.EOF {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = fmt.Errorf("%w (%w)", ctxErr, err)
				}
				fail(fmt.Errorf("llmclient: read stream line: %w", err))
				return
			}

			line = bytes.TrimSpace(line)
			if !bytes.HasPrefix(line, ssePrefix) {
				// blank separators, comments, event: lines
				continue
			}
			payload := bytes.TrimSpace(line[len(ssePrefix):])

			if bytes.Equal(payload, sseDone) {
				c.logger.Info("llm stream received [DONE]",
					zap.String("model", req.Model),
					zap.Int("chunks", chunkCount),
				)
				return
			}

			var chunk providerStreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				fail(fmt.Errorf("llmclient: unmarshal stream chunk: %w", err))
				return
			}

			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" && choice.FinishReason == "" {
					continue
				}
				chunkCount++
				if !send(StreamResult{Chunk: &StreamChunk{
					Index:        choice.Index,
					Delta:        choice.Delta.Content,
					FinishReason: choice.FinishReason,
				}}) {
					return
				}
			}
		}
	}()

	return results, nil
}
