// Package demo provides an offline LLM provider that replays a canned reply one
// rune at a time. It lets the whole speech and avatar pipeline run without any
// network access or API key.
package demo

import (
	"context"
	"time"

	"github.com/MrWong99/hiyori/pkg/provider/llm"
)

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// DefaultDelay is the pause between emitted runes.
const DefaultDelay = 50 * time.Millisecond

// DefaultReply is the canned reply, split where the segmenter will split it.
var DefaultReply = []string{
	"你好！我是你的AI助手。",
	"我可以帮助你解答各种问题，",
	"进行有趣的对话，",
	"或者陪你聊天。",
	"有什么我可以帮助你的吗？",
}

// Option configures a Provider.
type Option func(*Provider)

// WithDelay sets the pause between emitted runes. Zero emits as fast as the
// consumer reads.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) {
		if d >= 0 {
			p.delay = d
		}
	}
}

// WithReply replaces the canned reply.
func WithReply(parts ...string) Option {
	return func(p *Provider) {
		p.reply = append([]string(nil), parts...)
	}
}

// Provider implements llm.Provider with a fixed reply. The request content is
// ignored.
type Provider struct {
	delay time.Duration
	reply []string
}

// New returns a demo Provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		delay: DefaultDelay,
		reply: DefaultReply,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// StreamCompletion implements llm.Provider. It never fails to start.
func (p *Provider) StreamCompletion(ctx context.Context, _ llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)

		var tick *time.Ticker
		if p.delay > 0 {
			tick = time.NewTicker(p.delay)
			defer tick.Stop()
		}
		for _, part := range p.reply {
			for _, r := range part {
				if tick != nil {
					select {
					case <-tick.C:
					case <-ctx.Done():
						return
					}
				}
				select {
				case ch <- llm.Chunk{Text: string(r)}:
				case <-ctx.Done():
					return
				}
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}
