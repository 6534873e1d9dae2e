package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/provider/tts"
	"github.com/MrWong99/hiyori/pkg/types"
)

var _ Backend = (*RemoteBackend)(nil)

// RemoteBackend fetches audio from a [tts.Provider] and hands it to a
// [Player]. Only one playback runs at a time; starting a new one aborts the
// previous.
type RemoteBackend struct {
	provider tts.Provider
	player   Player
	name     string
	rate     float64
	metrics  *observe.Metrics

	mu         sync.Mutex
	generation uint64
	cancelPrev context.CancelFunc
}

// RemoteOption configures a [RemoteBackend].
type RemoteOption func(*RemoteBackend)

// WithProviderName labels spans and metrics. Defaults to "tts".
func WithProviderName(name string) RemoteOption {
	return func(b *RemoteBackend) { b.name = name }
}

// WithRate sets the speed factor sent to the provider.
func WithRate(rate float64) RemoteOption {
	return func(b *RemoteBackend) { b.rate = rate }
}

// WithRemoteMetrics overrides the metrics sink.
func WithRemoteMetrics(m *observe.Metrics) RemoteOption {
	return func(b *RemoteBackend) { b.metrics = m }
}

// NewRemoteBackend returns a backend that synthesizes through provider and
// plays through player.
func NewRemoteBackend(provider tts.Provider, player Player, opts ...RemoteOption) (*RemoteBackend, error) {
	if provider == nil {
		return nil, errors.New("speech: tts provider must not be nil")
	}
	if player == nil {
		return nil, errors.New("speech: player must not be nil")
	}
	b := &RemoteBackend{provider: provider, player: player, name: "tts"}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b, nil
}

// Kind implements [Backend].
func (b *RemoteBackend) Kind() Kind { return KindRemote }

// Play implements [Backend].
func (b *RemoteBackend) Play(ctx context.Context, req Request) error {
	ctx, cancel := context.WithCancel(ctx)
	gen := b.takeOver(cancel)
	defer b.release(gen, cancel)

	ctx, span := observe.StartSpan(ctx, "speech.synthesize",
		trace.WithAttributes(
			attribute.String("tts.provider", b.name),
			attribute.Int("tts.text_length", len([]rune(req.Text))),
		),
	)
	defer span.End()

	start := time.Now()
	audio, err := b.provider.Synthesize(ctx, req.Text, types.VoiceProfile{ID: req.Voice, SpeedFactor: b.rate})
	b.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.metrics.RecordProviderRequest(ctx, b.name, "tts", "error")
		b.metrics.RecordProviderError(ctx, b.name, "tts")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	b.metrics.RecordProviderRequest(ctx, b.name, "tts", "ok")
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(audio)))

	if err := b.player.Play(ctx, audio); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Voices lists the provider's voices.
func (b *RemoteBackend) Voices(ctx context.Context) []types.VoiceProfile {
	voices, err := b.provider.ListVoices(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("speech: list remote voices", "provider", b.name, "err", err)
		return nil
	}
	return voices
}

func (b *RemoteBackend) takeOver(cancel context.CancelFunc) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelPrev != nil {
		b.cancelPrev()
	}
	b.generation++
	b.cancelPrev = cancel
	return b.generation
}

func (b *RemoteBackend) release(gen uint64, cancel context.CancelFunc) {
	cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.generation == gen {
		b.cancelPrev = nil
	}
}
