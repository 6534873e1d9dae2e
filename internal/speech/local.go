package speech

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/hiyori/pkg/provider/tts/local"
	"github.com/MrWong99/hiyori/pkg/types"
)

// DefaultLocale is the voice family picked when no selector matches.
const DefaultLocale = "zh"

// Speaker plays text on the host's audio device. [local.Synthesizer]
// satisfies it.
type Speaker interface {
	Speak(ctx context.Context, text string, voice types.VoiceProfile) error
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}

var (
	_ Speaker = (*local.Synthesizer)(nil)
	_ Backend = (*LocalBackend)(nil)
)

// LocalBackend voices requests with an on-device synthesizer.
type LocalBackend struct {
	speaker Speaker
	locale  string
	rate    float64
	volume  float64

	mu     sync.Mutex
	voices []types.VoiceProfile
	listed bool
}

// LocalOption configures a [LocalBackend].
type LocalOption func(*LocalBackend)

// WithLocale sets the fallback voice family. Defaults to [DefaultLocale].
func WithLocale(family string) LocalOption {
	return func(b *LocalBackend) {
		if family != "" {
			b.locale = family
		}
	}
}

// WithProsody sets the rate and volume factors passed with every utterance.
// Zero values keep the synthesizer's own settings.
func WithProsody(rate, volume float64) LocalOption {
	return func(b *LocalBackend) {
		b.rate = rate
		b.volume = volume
	}
}

// NewLocalBackend wraps speaker.
func NewLocalBackend(speaker Speaker, opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{speaker: speaker, locale: DefaultLocale}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Kind implements [Backend].
func (b *LocalBackend) Kind() Kind { return KindLocal }

// Play implements [Backend].
func (b *LocalBackend) Play(ctx context.Context, req Request) error {
	voice, _ := local.ResolveVoice(b.Voices(ctx), req.Voice, b.locale)
	voice.SpeedFactor = b.rate
	voice.Volume = b.volume
	return b.speaker.Speak(ctx, req.Text, voice)
}

// Voices returns the installed voices. The list is fetched once; a failed
// listing is logged and treated as empty so that the engine default is used.
// A listing cut short by ctx is retried on the next call.
func (b *LocalBackend) Voices(ctx context.Context) []types.VoiceProfile {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listed {
		return b.voices
	}
	voices, err := b.speaker.ListVoices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("speech: list local voices", "err", err)
	}
	b.voices = voices
	b.listed = true
	return b.voices
}
