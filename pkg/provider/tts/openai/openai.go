// Package openai provides a TTS provider for the OpenAI audio/speech endpoint
// and any server that mirrors it. It implements the tts.Provider interface.
//
// The provider posts {model, input, voice} to a full endpoint URL and returns
// the response body as-is (MP3 by default).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/hiyori/pkg/provider/tts"
	"github.com/MrWong99/hiyori/pkg/types"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultEndpoint is the OpenAI speech endpoint.
	DefaultEndpoint = "https://api.openai.com/v1/audio/speech"
	// DefaultModel is the speech model used when none is configured.
	DefaultModel = "tts-1"
	// DefaultVoice is the voice used when neither the request nor the
	// provider names one.
	DefaultVoice = "alloy"

	defaultTimeout = 30 * time.Second
	errorBodyLimit = 512
)

// builtinVoices is the fixed OpenAI voice catalogue.
var builtinVoices = []string{"alloy", "ash", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel overrides the speech model.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice overrides the default voice.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider against an OpenAI-compatible speech endpoint.
type Provider struct {
	endpoint   string
	apiKey     string
	model      string
	voice      string
	httpClient *http.Client
}

// New creates a Provider. An empty endpoint selects [DefaultEndpoint].
// apiKey may be empty for self-hosted servers that do not authenticate.
func New(endpoint, apiKey string, opts ...Option) (*Provider, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("openai tts: endpoint %q must be an http(s) URL", endpoint)
	}
	p := &Provider{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      DefaultModel,
		voice:      DefaultVoice,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type speechRequest struct {
	Model string  `json:"model"`
	Input string  `json:"input"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed,omitempty"`
}

// Synthesize posts text to the speech endpoint and returns the audio body.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	body := speechRequest{Model: p.model, Input: text, Voice: p.voice}
	if voice.ID != "" {
		body.Voice = voice.ID
	}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		body.Speed = voice.SpeedFactor
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("openai tts: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai tts: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("openai tts: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("openai tts: empty audio response")
	}
	return audio, nil
}

// ListVoices returns the built-in OpenAI voice catalogue. The endpoint has no
// listing API, so no request is made.
func (p *Provider) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	out := make([]types.VoiceProfile, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		out = append(out, types.VoiceProfile{ID: v, Name: v, Provider: "openai"})
	}
	return out, nil
}
