package speech

import (
	"context"
	"fmt"
)

// Kind identifies a speech backend.
type Kind string

const (
	// KindLocal plays through an on-device synthesizer.
	KindLocal Kind = "local"

	// KindRemote fetches audio from a TTS provider and hands it to a [Player].
	KindRemote Kind = "remote"
)

// Request is one utterance: the sanitized sentence and the voice selector it
// should be spoken with. An empty Voice means the backend's default.
type Request struct {
	Text  string
	Voice string
}

// Backend voices a single [Request]. Play blocks until playback has finished,
// failed, or ctx was cancelled. A cancelled Play returns ctx.Err().
type Backend interface {
	Kind() Kind
	Play(ctx context.Context, req Request) error
}

// SynthesisError reports a backend failure other than cancellation. The queue
// logs it and moves on to the next utterance.
type SynthesisError struct {
	Backend Kind
	Text    string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech: %s synthesis of %q: %v", e.Backend, e.Text, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Observer is notified of queue activity. Methods are called in event order
// while the queue's lock is held; they must return quickly and must not call
// back into the [Queue].
type Observer interface {
	// SpeakingChanged fires on Idle to Speaking transitions and back.
	SpeakingChanged(speaking bool)

	// UtteranceStarted fires right before each utterance is played.
	UtteranceStarted(text string)
}
