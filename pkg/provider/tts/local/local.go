// Package local provides an on-device speech synthesizer that shells out to
// the platform's TTS command: `say` on macOS, `espeak-ng` (or `espeak`)
// elsewhere. It implements the tts.Provider interface and additionally offers
// Speak, which plays text directly through the system audio device.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/MrWong99/hiyori/pkg/provider/tts"
	"github.com/MrWong99/hiyori/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Synthesizer)(nil)

// Supported engine commands.
const (
	EngineSay     = "say"
	EngineEspeak  = "espeak-ng"
	EngineEspeak1 = "espeak"
)

// baseWPM is the words-per-minute rate that corresponds to a rate factor of 1.
const baseWPM = 175

// ErrNoEngine is returned by Detect when no supported command is on PATH.
var ErrNoEngine = errors.New("local tts: no speech engine found (tried say, espeak-ng, espeak)")

// Runner executes name with args and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(ee.Stderr)))
		}
		return out, err
	}
	return out, nil
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithEngine forces the engine command instead of auto-detecting it.
func WithEngine(name string) Option {
	return func(s *Synthesizer) { s.engine = name }
}

// WithRunner replaces command execution. Used by tests.
func WithRunner(r Runner) Option {
	return func(s *Synthesizer) { s.run = r }
}

// WithRate sets the speaking-rate factor (1.0 = engine default).
func WithRate(rate float64) Option {
	return func(s *Synthesizer) { s.rate = rate }
}

// WithVolume sets the volume factor (0.0–1.0).
func WithVolume(volume float64) Option {
	return func(s *Synthesizer) { s.volume = volume }
}

// Synthesizer drives a local speech command.
type Synthesizer struct {
	engine string
	rate   float64
	volume float64
	run    Runner
}

// New returns a Synthesizer. Without WithEngine the engine is auto-detected.
func New(opts ...Option) (*Synthesizer, error) {
	s := &Synthesizer{rate: 1, volume: 1, run: execRunner}
	for _, o := range opts {
		o(s)
	}
	if s.engine == "" {
		engine, err := Detect()
		if err != nil {
			return nil, err
		}
		s.engine = engine
	}
	switch s.engine {
	case EngineSay, EngineEspeak, EngineEspeak1:
	default:
		return nil, fmt.Errorf("local tts: unsupported engine %q", s.engine)
	}
	return s, nil
}

// Detect returns the preferred engine available on this host.
func Detect() (string, error) {
	candidates := []string{EngineEspeak, EngineEspeak1}
	if runtime.GOOS == "darwin" {
		candidates = append([]string{EngineSay}, candidates...)
	}
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoEngine
}

// Engine returns the engine command in use.
func (s *Synthesizer) Engine() string { return s.engine }

// Speak plays text through the system audio device and blocks until playback
// ends or ctx is cancelled, which kills the command.
func (s *Synthesizer) Speak(ctx context.Context, text string, voice types.VoiceProfile) error {
	args := s.args(text, voice)
	if _, err := s.run(ctx, s.engine, args...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("local tts: %s: %w", s.engine, err)
	}
	return nil
}

// Synthesize renders text to a WAV clip without playing it.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if s.engine != EngineSay {
		args := append([]string{"--stdout"}, s.args(text, voice)...)
		out, err := s.run(ctx, s.engine, args...)
		if err != nil {
			return nil, fmt.Errorf("local tts: %s: %w", s.engine, err)
		}
		return out, nil
	}

	// say cannot write WAV to stdout.
	dir, err := os.MkdirTemp("", "hiyori-say-*")
	if err != nil {
		return nil, fmt.Errorf("local tts: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "out.wav")

	args := append([]string{"-o", path, "--file-format=WAVE", "--data-format=LEI16@22050"}, s.args(text, voice)...)
	if _, err := s.run(ctx, s.engine, args...); err != nil {
		return nil, fmt.Errorf("local tts: say: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("local tts: read output: %w", err)
	}
	return data, nil
}

// args builds the engine arguments; the text is always last.
func (s *Synthesizer) args(text string, voice types.VoiceProfile) []string {
	rate := s.rate
	if voice.SpeedFactor > 0 {
		rate *= voice.SpeedFactor
	}
	volume := s.volume
	if voice.Volume > 0 {
		volume = voice.Volume
	}

	var args []string
	if voice.ID != "" {
		args = append(args, "-v", voice.ID)
	}
	if rate > 0 && rate != 1 {
		flag := "-s"
		if s.engine == EngineSay {
			flag = "-r"
		}
		args = append(args, flag, strconv.Itoa(int(baseWPM*rate)))
	}
	if volume >= 0 && volume != 1 {
		if s.engine == EngineSay {
			text = "[[volm " + strconv.FormatFloat(volume, 'f', 2, 64) + "]] " + text
		} else {
			args = append(args, "-a", strconv.Itoa(int(volume*100)))
		}
	}
	// Leading '-' would be parsed as a flag.
	if strings.HasPrefix(text, "-") {
		text = " " + text
	}
	return append(args, text)
}

// ListVoices runs the engine's voice listing and parses it.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	var args []string
	if s.engine == EngineSay {
		args = []string{"-v", "?"}
	} else {
		args = []string{"--voices"}
	}
	out, err := s.run(ctx, s.engine, args...)
	if err != nil {
		return nil, fmt.Errorf("local tts: list voices: %w", err)
	}
	if s.engine == EngineSay {
		return ParseSayVoices(string(out)), nil
	}
	return ParseEspeakVoices(string(out)), nil
}
