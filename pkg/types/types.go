package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	DefaultMaxTokens   = 256
	DefaultTemperature = 0.7

	MaxTextBytes    = 512 * 1024
	MaxOutputTokens = 8192
	MaxTemperature  = 2.0
)

// ErrInvalidRequest marks parameters that cannot be normalized.
// Requests failing validation are never enqueued.
var ErrInvalidRequest = errors.New("invalid request")

// GenerateRequest is the normalized submission triple.
type GenerateRequest struct {
	Text        string  `json:"text"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

func (r GenerateRequest) Validate() error {
	if r.Text == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if len(r.Text) > MaxTextBytes {
		return fmt.Errorf("%w: text too large (%d bytes, max %d)", ErrInvalidRequest, len(r.Text), MaxTextBytes)
	}
	if r.MaxTokens < 1 || r.MaxTokens > MaxOutputTokens {
		return fmt.Errorf("%w: max_tokens must be between 1 and %d", ErrInvalidRequest, MaxOutputTokens)
	}
	if math.IsNaN(r.Temperature) || math.IsInf(r.Temperature, 0) {
		return fmt.Errorf("%w: temperature must be a finite number", ErrInvalidRequest)
	}
	if r.Temperature < 0 || r.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature must be between 0 and %g", ErrInvalidRequest, MaxTemperature)
	}
	return nil
}

// SubmitRequest is the wire shape of POST /jobs. Pointers distinguish an
// omitted field from an explicit zero (temperature 0 is valid).
type SubmitRequest struct {
	Text        string   `json:"text"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Normalize applies defaults for omitted fields.
func (s SubmitRequest) Normalize() GenerateRequest {
	req := GenerateRequest{
		Text:        s.Text,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
	}
	if s.MaxTokens != nil {
		req.MaxTokens = *s.MaxTokens
	}
	if s.Temperature != nil {
		req.Temperature = *s.Temperature
	}
	return req
}

type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Cached    bool   `json:"cached"`
	WSURL     string `json:"ws_url"`
	StreamURL string `json:"stream_url"`
	ResultURL string `json:"result_url"`
}

// Job is one unit of enqueued work. CacheKey is the fingerprint the
// worker writes the completion under.
type Job struct {
	RequestID   string  `json:"request_id"`
	Text        string  `json:"text"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	CacheKey    string  `json:"cache_key"`
}

func (j Job) Request() GenerateRequest {
	return GenerateRequest{
		Text:        j.Text,
		MaxTokens:   j.MaxTokens,
		Temperature: j.Temperature,
	}
}

// Result is immutable once stored.
type Result struct {
	Response         string  `json:"response"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
	Model            string  `json:"model"`
}

func (r Result) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

func ParseResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}
