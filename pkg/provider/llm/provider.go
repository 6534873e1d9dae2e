// Package llm defines the Provider interface for streaming chat-completion
// backends.
//
// An LLM provider wraps a remote or local model API (an OpenAI-compatible SSE
// endpoint, the official OpenAI SDK, or any backend reachable through
// any-llm-go) and exposes a single streaming entry point so that the
// completion client can segment replies into sentences without coupling to a
// specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"
)

// FinishReasonError marks a [Chunk] that reports a mid-stream failure. The
// chunk's Text carries the error message.
const FinishReasonError = "error"

// Message is a single entry of the conversation history sent to the model.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// Endpoint and credentials are bound when the provider is constructed; only
// per-request knobs travel here.
type CompletionRequest struct {
	// Model selects the model for this request. Providers fall back to the
	// model they were constructed with when Model is empty.
	Model string

	// Messages is the ordered conversation history, system entry first.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means use the
	// provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. For an error chunk it is the
	// error message instead.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", ...) or to
	// [FinishReasonError] when the stream failed after it started.
	FinishReason string
}

// IsError reports whether c signals a mid-stream failure.
func (c Chunk) IsError() bool {
	return c.FinishReason == FinishReasonError
}

// Provider is the abstraction over any streaming chat-completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed by the
	// implementation when generation finishes or when ctx is cancelled.
	//
	// The error return is non-nil only for failures that prevent the stream
	// from starting (dial errors, non-2xx status, invalid credentials).
	// Failures after that point are delivered as a Chunk whose FinishReason is
	// [FinishReasonError]. The returned channel is never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
