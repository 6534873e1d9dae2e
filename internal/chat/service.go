// Package chat runs a conversation turn end to end: it records the user's
// message, streams the reply into an assistant placeholder, and voices each
// sentence as soon as it is complete.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/hiyori/internal/completion"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/types"
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("chat: message is empty")

	// ErrBusy is returned while a reply is still being produced.
	ErrBusy = errors.New("chat: a reply is already in progress")

	// ErrUnknownPersona is returned by [Service.SelectPersona].
	ErrUnknownPersona = errors.New("chat: unknown persona")
)

// Speaker voices sentences. [*speech.Queue] satisfies it.
type Speaker interface {
	Enqueue(text, voice string) bool
	StopAll()
}

// Streamer produces replies. [*completion.Client] satisfies it.
type Streamer interface {
	Send(ctx context.Context, history []llm.Message, opts completion.Options) error
	Cancel()
}

var _ Streamer = (*completion.Client)(nil)

// Config holds the service's dependencies. Store and Streamer are required.
type Config struct {
	Store    *conversation.Store
	Streamer Streamer

	// Speaker is optional; without it replies are text only.
	Speaker Speaker

	Personas       []config.PersonaConfig
	DefaultPersona string

	// Voice is the initial voice selector.
	Voice string

	Temperature   float64
	FallbackReply string
}

// Service coordinates one reply at a time. It is safe for concurrent use.
type Service struct {
	store         *conversation.Store
	streamer      Streamer
	speaker       Speaker
	temperature   float64
	fallbackReply string

	mu       sync.Mutex
	personas []config.PersonaConfig
	active   string
	voice    string
	turn     uint64

	wg sync.WaitGroup
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store must not be nil")
	}
	if cfg.Streamer == nil {
		return nil, errors.New("chat: streamer must not be nil")
	}
	personas := cfg.Personas
	if len(personas) == 0 {
		personas = config.DefaultPersonas()
	}
	s := &Service{
		store:         cfg.Store,
		streamer:      cfg.Streamer,
		speaker:       cfg.Speaker,
		temperature:   cfg.Temperature,
		fallbackReply: cfg.FallbackReply,
		voice:         cfg.Voice,
	}
	if s.fallbackReply == "" {
		s.fallbackReply = config.DefaultFallbackReply
	}
	s.setPersonasLocked(personas, cfg.DefaultPersona)
	return s, nil
}

// ─── Turns ───────────────────────────────────────────────────────────────────

// Submit sends text and blocks until the reply has finished, failed or been
// stopped. It returns [ErrEmpty] or [ErrBusy] without side effects.
func (s *Service) Submit(ctx context.Context, text string) error {
	t, err := s.begin(text)
	if err != nil {
		return err
	}
	return s.run(ctx, t)
}

// SubmitAsync is like [Service.Submit] but returns as soon as the turn has
// been accepted. [Service.Wait] blocks until background turns are done.
func (s *Service) SubmitAsync(ctx context.Context, text string) error {
	t, err := s.begin(text)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(ctx, t); err != nil {
			observe.Logger(ctx).Warn("chat: reply failed", "err", err)
		}
	}()
	return nil
}

// Wait blocks until every turn started by [Service.SubmitAsync] returned.
func (s *Service) Wait() { s.wg.Wait() }

// Stop aborts the reply in progress and silences speech.
func (s *Service) Stop() {
	s.streamer.Cancel()
	if s.speaker != nil {
		s.speaker.StopAll()
	}
}

// turn is one accepted submission.
type turn struct {
	id          uint64
	history     []llm.Message
	assistantID string
	persona     config.PersonaConfig
	voice       string
}

func (s *Service) begin(text string) (*turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}
	if !s.store.TryStartLoading() {
		return nil, ErrBusy
	}
	if s.speaker != nil {
		s.speaker.StopAll()
	}

	history := historyOf(s.store.ActiveMessages())
	history = append(history, llm.Message{Role: string(types.RoleUser), Content: text})

	s.store.AppendMessage(types.RoleUser, text, false)
	assistantID := s.store.AppendMessage(types.RoleAssistant, "", true)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turn++
	persona, _ := s.personaLocked(s.active)
	return &turn{
		id:          s.turn,
		history:     history,
		assistantID: assistantID,
		persona:     persona,
		voice:       s.voice,
	}, nil
}

func (s *Service) run(ctx context.Context, t *turn) error {
	var (
		reply    strings.Builder
		finished bool
	)
	err := s.streamer.Send(ctx, t.history, completion.Options{
		Model:        t.persona.Model,
		SystemPrompt: t.persona.SystemPrompt,
		Temperature:  s.temperature,
		OnSentence: func(sentence string) {
			reply.WriteString(sentence)
			s.store.UpdateMessageContent(t.assistantID, reply.String())
			if s.speaker != nil {
				s.speaker.Enqueue(sentence, t.voice)
			}
		},
		OnComplete: func() {
			finished = true
			s.finish(t, "")
		},
		OnError: func(error) {
			finished = true
			s.finish(t, s.fallbackReply)
		},
	})
	if !finished {
		s.finish(t, "")
	}
	return err
}

// finish closes the placeholder. A non-empty replacement overwrites its
// content. Loading is only cleared while t is the latest turn.
func (s *Service) finish(t *turn, replacement string) {
	if replacement != "" {
		s.store.UpdateMessageContent(t.assistantID, replacement)
	}
	s.store.SetMessageStreaming(t.assistantID, false)

	s.mu.Lock()
	current := s.turn == t.id
	s.mu.Unlock()
	if current {
		s.store.SetLoading(false)
	}
}

// historyOf converts finished, non-empty messages to request history.
func historyOf(msgs []types.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.IsStreaming || m.Content == "" {
			continue
		}
		out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// NewSession stops any reply and starts a fresh session.
func (s *Service) NewSession() string {
	s.Stop()
	return s.store.CreateSession()
}

// SwitchSession stops any reply and activates id.
func (s *Service) SwitchSession(id string) error {
	if _, ok := s.store.Session(id); !ok {
		return fmt.Errorf("%w: session %q", conversation.ErrNotFound, id)
	}
	s.Stop()
	s.store.SwitchSession(id)
	return nil
}

// DeleteSession removes id, stopping the reply first when id is active.
func (s *Service) DeleteSession(id string) error {
	if _, ok := s.store.Session(id); !ok {
		return fmt.Errorf("%w: session %q", conversation.ErrNotFound, id)
	}
	if s.store.ActiveSessionID() == id {
		s.Stop()
	}
	s.store.DeleteSession(id)
	return nil
}

// ─── Personas and voice ──────────────────────────────────────────────────────

// Personas returns the selectable personas.
func (s *Service) Personas() []config.PersonaConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.personas)
}

// ActivePersona returns the persona used for the next turn.
func (s *Service) ActivePersona() config.PersonaConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, _ := s.personaLocked(s.active)
	return p
}

// SelectPersona makes name the active persona.
func (s *Service) SelectPersona(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personaLocked(name); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPersona, name)
	}
	s.active = name
	return nil
}

// ReloadPersonas replaces the persona list. The active persona is kept when
// it still exists; otherwise defaultName (or the first persona) is activated.
func (s *Service) ReloadPersonas(personas []config.PersonaConfig, defaultName string) {
	if len(personas) == 0 {
		personas = config.DefaultPersonas()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setPersonasLocked(personas, defaultName)
}

func (s *Service) setPersonasLocked(personas []config.PersonaConfig, defaultName string) {
	s.personas = slices.Clone(personas)
	if _, ok := s.personaLocked(s.active); ok {
		return
	}
	if _, ok := s.personaLocked(defaultName); ok {
		s.active = defaultName
		return
	}
	s.active = s.personas[0].Name
}

func (s *Service) personaLocked(name string) (config.PersonaConfig, bool) {
	for _, p := range s.personas {
		if p.Name == name {
			return p, true
		}
	}
	return config.PersonaConfig{}, false
}

// Voice returns the voice selector used for new turns.
func (s *Service) Voice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetVoice changes the voice selector for new turns.
func (s *Service) SetVoice(selector string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = selector
}
