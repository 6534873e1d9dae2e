// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI audio/speech, a Coqui
// server, ElevenLabs, or an on-device synthesizer) and turns one sentence of
// text into one encoded audio clip. Sentences are produced upstream by the
// segmenter, so providers never see partial text.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/hiyori/pkg/types"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the encoded
	// audio (MP3, WAV, or whatever the backend emits). An empty voice.ID
	// selects the provider's default voice.
	//
	// Returns an error if the request fails, the backend responds with a
	// non-success status, or ctx is cancelled. Callers distinguish
	// cancellation with ctx.Err().
	Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
