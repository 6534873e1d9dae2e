// Package sse provides an LLM provider that speaks the OpenAI-compatible
// chat-completions protocol directly over HTTP with server-sent events.
//
// It is the lowest-common-denominator backend: any service exposing
// POST {base}/chat/completions with "stream": true (OpenAI, DeepSeek, vLLM,
// llama.cpp server, ...) works without an SDK.
//
// Typical usage:
//
//	p, err := sse.New("https://api.deepseek.com/v1/chat/completions", apiKey,
//	    sse.WithModel("deepseek-chat"),
//	)
//	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{Messages: msgs})
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/hiyori/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// ---- constants ----

const (
	// DefaultEndpoint is used when New is called with an empty endpoint.
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"

	// DefaultModel is sent when neither the request nor the provider names a model.
	DefaultModel = "gpt-3.5-turbo"

	// DefaultTemperature is sent when the request leaves Temperature at zero.
	DefaultTemperature = 0.7

	doneSentinel = "[DONE]"

	// maxErrorBody caps how much of a non-2xx body is kept in a StatusError.
	maxErrorBody = 4 << 10

	chunkChanBuf = 32
)

// ---- errors ----

// StatusError is returned by StreamCompletion when the endpoint answers with a
// non-2xx status. Body holds (a prefix of) the response body.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("API 请求失败: %d %s - %s", e.Code, e.Status, e.Body)
}

// ParseError describes a data frame that could not be decoded. It is logged and
// the frame is skipped; it never terminates a stream.
type ParseError struct {
	Line string
	Err  error
}

// Error implements error.
func (e *ParseError) Error() string {
	return fmt.Sprintf("sse: parse frame %q: %v", e.Line, e.Err)
}

// Unwrap returns the underlying decode error.
func (e *ParseError) Unwrap() error { return e.Err }

// ---- options ----

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used when a request does not name one.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(p *Provider) {
		p.temperature = t
	}
}

// WithHTTPClient replaces the HTTP client. The client must not impose an
// overall timeout shorter than the longest expected reply.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// ---- Provider ----

// Provider implements llm.Provider for OpenAI-compatible SSE endpoints.
// It is safe for concurrent use.
type Provider struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	httpClient  *http.Client
}

// New creates a Provider that posts to endpoint (the full chat-completions URL)
// with apiKey as bearer token. An empty endpoint selects [DefaultEndpoint].
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("sse: endpoint %q must be an http(s) URL", endpoint)
	}
	p := &Provider{
		endpoint:    endpoint,
		apiKey:      apiKey,
		model:       DefaultModel,
		temperature: DefaultTemperature,
		httpClient:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- wire types ----

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireFrame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ---- StreamCompletion ----

// StreamCompletion implements llm.Provider. A non-2xx answer is returned as
// *StatusError; transport failures after the headers arrived are delivered as
// an error chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	body, err := json.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("sse: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sse: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sse: POST %s: %w", p.endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Code:   resp.StatusCode,
			Status: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
			Body:   string(data),
		}
	}

	ch := make(chan llm.Chunk, chunkChanBuf)
	go p.readStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *Provider) buildRequest(req llm.CompletionRequest) wireRequest {
	model := req.Model
	if model == "" {
		model = p.model
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}
	return wireRequest{
		Model:       model,
		Messages:    msgs,
		Stream:      true,
		Temperature: temp,
		MaxTokens:   req.MaxTokens,
	}
}

// readStream decodes the event stream line by line. bufio.Reader reassembles
// lines that straddle network reads.
func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.Chunk) {
	defer close(ch)
	defer body.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	r := bufio.NewReader(body)
	for {
		line, readErr := r.ReadString('\n')
		if line != "" {
			chunk, done, ok := p.decodeLine(line)
			if done {
				return
			}
			if ok && !send(chunk) {
				return
			}
		}
		if readErr == nil {
			continue
		}
		if errors.Is(readErr, io.EOF) || ctx.Err() != nil {
			return
		}
		send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: readErr.Error()})
		return
	}
}

// decodeLine interprets a single SSE line. done is true for the [DONE]
// sentinel; ok is true when chunk should be forwarded.
func (p *Provider) decodeLine(raw string) (chunk llm.Chunk, done, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, ":") {
		return llm.Chunk{}, false, false
	}
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		// event:, id:, retry: and anything else carry nothing we need.
		return llm.Chunk{}, false, false
	}
	payload = strings.TrimSpace(payload)
	if payload == doneSentinel {
		return llm.Chunk{}, true, false
	}

	var frame wireFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		perr := &ParseError{Line: line, Err: err}
		slog.Warn("sse: skipping malformed frame", "err", perr)
		return llm.Chunk{}, false, false
	}
	if len(frame.Choices) == 0 {
		return llm.Chunk{}, false, false
	}
	choice := frame.Choices[0]
	if choice.Delta.Content != nil {
		chunk.Text = *choice.Delta.Content
	}
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	if chunk.Text == "" && chunk.FinishReason == "" {
		return llm.Chunk{}, false, false
	}
	return chunk, false, true
}
