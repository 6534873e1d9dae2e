// Package completion drives one streaming chat completion at a time and turns
// its fragments into sentences.
//
// A [Client] owns at most one in-flight stream. Every [Client.Send] supersedes
// the previous stream: its callbacks stop before the new request is issued,
// and a superseded stream never reports completion or failure.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/segment"
)

// DefaultHistoryLimit is the number of non-system turns sent to the model.
const DefaultHistoryLimit = 20

// DefaultTemperature is used when [Options.Temperature] is zero.
const DefaultTemperature = 0.7

// TransportError reports a stream that failed to start or broke mid-way.
type TransportError struct {
	// Provider is the provider label given to [WithProviderName].
	Provider string

	// MidStream is true when the failure arrived as an error chunk.
	MidStream bool

	Err error
}

func (e *TransportError) Error() string {
	if e.MidStream {
		return fmt.Sprintf("completion: %s stream failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("completion: %s request failed: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Options configures a single [Client.Send].
type Options struct {
	// Model overrides the provider's default model.
	Model string

	// SystemPrompt is prepended unless the history already starts with a
	// system entry.
	SystemPrompt string

	// Temperature defaults to [DefaultTemperature].
	Temperature float64

	// MaxTokens caps the reply. Zero uses the provider default.
	MaxTokens int

	// OnSentence receives each complete sentence in order.
	OnSentence func(sentence string)

	// OnComplete fires once after the stream ended cleanly and the trailing
	// partial sentence was flushed.
	OnComplete func()

	// OnError fires once with a [*TransportError]. OnComplete does not fire
	// afterwards.
	OnError func(err error)
}

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHistoryLimit caps the non-system turns sent per request.
func WithHistoryLimit(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// WithProviderName labels spans, metrics and errors. Defaults to "llm".
func WithProviderName(name string) ClientOption {
	return func(c *Client) { c.name = name }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// Client streams completions from an [llm.Provider]. It is safe for
// concurrent use, but callbacks must not call [Client.Send] or
// [Client.Cancel].
type Client struct {
	provider     llm.Provider
	name         string
	historyLimit int
	metrics      *observe.Metrics

	mu     sync.Mutex
	epoch  uint64
	cancel context.CancelFunc

	// deliver serializes callbacks with epoch changes.
	deliver sync.Mutex
}

// New returns a Client for provider.
func New(provider llm.Provider, opts ...ClientOption) (*Client, error) {
	if provider == nil {
		return nil, errors.New("completion: provider must not be nil")
	}
	c := &Client{
		provider:     provider,
		name:         "llm",
		historyLimit: DefaultHistoryLimit,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Send cancels any previous stream, then requests a completion for history
// and blocks until the stream has ended, failed or been cancelled.
//
// Cancellation is silent: Send returns nil and neither OnComplete nor OnError
// fires. A transport failure is reported through OnError and also returned.
func (c *Client) Send(ctx context.Context, history []llm.Message, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Fence: once the epoch moved no callback of the old stream can run.
	c.deliver.Lock()
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.epoch++
	epoch := c.epoch
	c.cancel = cancel
	c.mu.Unlock()
	c.deliver.Unlock()

	defer func() {
		c.mu.Lock()
		if c.epoch == epoch {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	return c.run(ctx, epoch, history, opts)
}

// Cancel aborts the in-flight stream, if any. It is idempotent.
func (c *Client) Cancel() {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
}

// InFlight reports whether a stream is running.
func (c *Client) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// current reports whether epoch is still the live stream. The caller must
// hold c.deliver.
func (c *Client) current(ctx context.Context, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch && ctx.Err() == nil
}

// emit runs fn under the delivery fence. It reports false once the stream
// was superseded or cancelled.
func (c *Client) emit(ctx context.Context, epoch uint64, fn func()) bool {
	c.deliver.Lock()
	defer c.deliver.Unlock()
	if !c.current(ctx, epoch) {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}

func (c *Client) run(ctx context.Context, epoch uint64, history []llm.Message, opts Options) error {
	temp := opts.Temperature
	if temp == 0 {
		temp = DefaultTemperature
	}
	req := llm.CompletionRequest{
		Model:       opts.Model,
		Messages:    BuildMessages(history, opts.SystemPrompt, c.historyLimit),
		Temperature: temp,
		MaxTokens:   opts.MaxTokens,
	}

	ctx, span := observe.StartSpan(ctx, "completion.stream",
		trace.WithAttributes(
			attribute.String("llm.provider", c.name),
			attribute.String("llm.model", opts.Model),
			attribute.Int("llm.messages", len(req.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	c.metrics.ActiveStreams.Add(ctx, 1)
	defer c.metrics.ActiveStreams.Add(context.WithoutCancel(ctx), -1)

	status := "ok"
	defer func() {
		c.metrics.RecordCompletion(context.WithoutCancel(ctx), time.Since(start).Seconds(), status)
	}()

	fail := func(err error, midStream bool) error {
		terr := &TransportError{Provider: c.name, MidStream: midStream, Err: err}
		if !c.emit(ctx, epoch, func() {
			if opts.OnError != nil {
				opts.OnError(terr)
			}
		}) {
			status = "cancelled"
			return nil
		}
		status = "error"
		c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
		c.metrics.RecordProviderError(ctx, c.name, "llm")
		span.RecordError(terr)
		span.SetStatus(codes.Error, terr.Error())
		observe.Logger(ctx).Warn("completion: stream failed", "provider", c.name, "err", terr)
		return terr
	}

	ch, err := c.provider.StreamCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			status = "cancelled"
			return nil
		}
		return fail(err, false)
	}

	sentences := 0
	seg := segment.New(func(s string) {
		if sentences == 0 {
			c.metrics.CompletionFirstSentence.Record(ctx, time.Since(start).Seconds())
		}
		sentences++
		c.metrics.Sentences.Add(ctx, 1)
		if opts.OnSentence != nil {
			opts.OnSentence(s)
		}
	})

	for {
		var (
			chunk llm.Chunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			status = "cancelled"
			go drain(ch)
			return nil
		case chunk, ok = <-ch:
		}

		if !ok {
			break
		}
		if chunk.IsError() {
			go drain(ch)
			return fail(errors.New(chunk.Text), true)
		}
		if chunk.Text == "" {
			continue
		}
		if !c.emit(ctx, epoch, func() { seg.Add(chunk.Text) }) {
			status = "cancelled"
			go drain(ch)
			return nil
		}
	}

	if ctx.Err() != nil {
		status = "cancelled"
		return nil
	}
	if !c.emit(ctx, epoch, func() {
		seg.Flush()
		if opts.OnComplete != nil {
			opts.OnComplete()
		}
	}) {
		status = "cancelled"
		return nil
	}
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", "ok")
	span.SetAttributes(attribute.Int("completion.sentences", sentences))
	return nil
}

// drain consumes ch until the provider closes it.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// BuildMessages assembles the request history: a system entry (unless
// history already starts with one) followed by the limit most recent
// non-system turns.
func BuildMessages(history []llm.Message, systemPrompt string, limit int) []llm.Message {
	var system *llm.Message
	turns := make([]llm.Message, 0, len(history))
	for i, m := range history {
		if m.Role == "system" {
			if i == 0 {
				system = &history[0]
			}
			continue
		}
		turns = append(turns, m)
	}
	if system == nil && systemPrompt != "" {
		system = &llm.Message{Role: "system", Content: systemPrompt}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]llm.Message, 0, len(turns)+1)
	if system != nil {
		out = append(out, *system)
	}
	return append(out, turns...)
}
