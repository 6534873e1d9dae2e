// Package app wires all hiyori subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in reverse construction order.
//
// For testing, inject doubles via functional options (WithStateStore,
// WithSpeechBackend, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hiyori/internal/api"
	"github.com/MrWong99/hiyori/internal/avatar"
	"github.com/MrWong99/hiyori/internal/chat"
	"github.com/MrWong99/hiyori/internal/completion"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/internal/health"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/internal/resilience"
	"github.com/MrWong99/hiyori/internal/speech"
	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/memory/bolt"
	"github.com/MrWong99/hiyori/pkg/memory/file"
	"github.com/MrWong99/hiyori/pkg/memory/postgres"
	"github.com/MrWong99/hiyori/pkg/memory/sqlite"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/provider/tts"
	"github.com/MrWong99/hiyori/pkg/provider/tts/local"
)

// shutdownTimeout bounds the HTTP server drain in Run.
const shutdownTimeout = 10 * time.Second

// NamedLLM pairs an LLM provider with its config name.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// NamedTTS pairs a TTS provider with its config name.
type NamedTTS struct {
	Name     string
	Provider tts.Provider
}

// Providers holds the instantiated providers. A zero Provider means the slot
// is not configured. Populated by the command via the config registry.
type Providers struct {
	LLM          NamedLLM
	LLMFallbacks []NamedLLM
	TTS          NamedTTS
	TTSFallbacks []NamedTTS
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	metricsHandler http.Handler

	persister memory.StateStore
	backend   speech.Backend
	store     *conversation.Store
	queue     *speech.Queue
	client    *completion.Client
	chat      *chat.Service
	bridge    *avatar.Bridge
	hub       *api.Hub
	handler   http.Handler

	// closers run in reverse registration order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStateStore injects a persistence backend instead of opening one from
// config. The App closes it on Shutdown.
func WithStateStore(s memory.StateStore) Option {
	return func(a *App) { a.persister = s }
}

// WithSpeechBackend injects the speech backend instead of building one from
// config.speech.
func WithSpeechBackend(b speech.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics sets the instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into t's instruments and serves its registry on
// /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) {
		a.metrics = t.Metrics
		a.metricsHandler = t.Handler
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together and restoring the
// persisted conversation. On error, everything built so far is torn down.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	defer func() {
		if err != nil {
			_ = a.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// ── 1. Conversation store ────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Speech queue ──────────────────────────────────────────────────
	if err := a.initSpeech(ctx); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 3. Completion client + chat ──────────────────────────────────────
	if err := a.initChat(); err != nil {
		return nil, fmt.Errorf("app: init chat: %w", err)
	}

	// ── 4. Renderer bridge, event hub, HTTP API ──────────────────────────
	if err := a.initHTTP(); err != nil {
		return nil, fmt.Errorf("app: init http: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initStore(ctx context.Context) error {
	if a.persister == nil {
		p, err := OpenStateStore(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		a.persister = p
	}
	if a.persister != nil {
		p := a.persister
		a.closers = append(a.closers, func(context.Context) error { return p.Close() })
	}

	opts := []conversation.Option{conversation.WithKey(memory.DefaultKey)}
	if a.persister != nil {
		opts = append(opts, conversation.WithPersister(a.persister))
	}
	a.store = conversation.New(opts...)
	a.closers = append(a.closers, a.store.Close)

	if err := a.store.Load(ctx); err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	st := a.store.State()
	slog.Info("conversation restored", "sessions", len(st.Sessions), "active", st.ActiveSessionID)
	return nil
}

// OpenStateStore opens the persistence backend selected by cfg. It returns a
// nil store for the memory backend.
func OpenStateStore(ctx context.Context, cfg config.StorageConfig) (memory.StateStore, error) {
	var (
		store memory.StateStore
		err   error
	)
	switch cfg.Backend {
	case config.StorageFile, "":
		var s *file.Store
		if s, err = file.New(cfg.Path); err == nil {
			store = s
		}
	case config.StorageBolt:
		var s *bolt.Store
		if s, err = bolt.Open(cfg.Path); err == nil {
			store = s
		}
	case config.StorageSQLite:
		var s *sqlite.Store
		if s, err = sqlite.Open(ctx, cfg.Path); err == nil {
			store = s
		}
	case config.StoragePostgres:
		var s *postgres.Store
		if s, err = postgres.NewStore(ctx, cfg.DSN); err == nil {
			store = s
		}
	case config.StorageMemory:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	slog.Info("storage opened", "backend", cfg.Backend)
	return store, nil
}

func (a *App) initSpeech(ctx context.Context) error {
	if a.backend == nil {
		b, err := a.buildSpeechBackend(ctx)
		if err != nil {
			return err
		}
		a.backend = b
	}
	if a.backend == nil {
		slog.Info("speech output disabled")
		return nil
	}

	q, err := speech.NewQueue(a.backend,
		speech.WithGap(a.cfg.Speech.Gap),
		speech.WithVoice(a.cfg.Speech.Voice),
		speech.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.queue = q
	a.closers = append(a.closers, func(context.Context) error { return q.Close() })
	slog.Info("speech queue started", "backend", q.Kind(), "voice", a.cfg.Speech.Voice)
	return nil
}

// buildSpeechBackend returns nil for the none backend.
func (a *App) buildSpeechBackend(_ context.Context) (speech.Backend, error) {
	sc := a.cfg.Speech
	switch sc.Backend {
	case config.SpeechNone:
		return nil, nil

	case config.SpeechLocal, "":
		synth, err := local.New(local.WithRate(sc.Rate), local.WithVolume(sc.Volume))
		if errors.Is(err, local.ErrNoEngine) {
			slog.Warn("no local speech engine found, speech output disabled", "err", err)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		slog.Info("local speech engine detected", "engine", synth.Engine())
		return speech.NewLocalBackend(synth,
			speech.WithLocale(sc.Locale),
			speech.WithProsody(sc.Rate, sc.Volume),
		), nil

	case config.SpeechRemote:
		p := a.providers.TTS
		if p.Provider == nil {
			return nil, errors.New("remote speech requires providers.tts")
		}
		provider := p.Provider
		if len(a.providers.TTSFallbacks) > 0 {
			fb := resilience.NewTTSFallback(p.Provider, p.Name, a.fallbackConfig("tts"))
			for _, f := range a.providers.TTSFallbacks {
				fb.AddFallback(f.Name, f.Provider)
			}
			provider = fb
		}
		player, err := speech.NewExecPlayer(sc.PlayerCommand)
		if err != nil {
			return nil, err
		}
		return speech.NewRemoteBackend(provider, player,
			speech.WithProviderName(p.Name),
			speech.WithRate(sc.Rate),
			speech.WithRemoteMetrics(a.metrics),
		)

	default:
		return nil, fmt.Errorf("unknown speech backend %q", sc.Backend)
	}
}

func (a *App) fallbackConfig(kind string) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		OnFailure: func(name string, err error) {
			a.metrics.RecordProviderError(context.Background(), name, kind)
			slog.Warn("provider failed, trying fallback", "kind", kind, "provider", name, "err", err)
		},
	}
}

func (a *App) initChat() error {
	p := a.providers.LLM
	if p.Provider == nil {
		return errors.New("providers.llm is required")
	}
	provider := p.Provider
	if len(a.providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(p.Provider, p.Name, a.fallbackConfig("llm"))
		for _, f := range a.providers.LLMFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		provider = fb
	}

	client, err := completion.New(provider,
		completion.WithHistoryLimit(a.cfg.Chat.HistoryLimit),
		completion.WithProviderName(p.Name),
		completion.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.client = client

	cc := chat.Config{
		Store:          a.store,
		Streamer:       client,
		Personas:       a.cfg.Personas,
		DefaultPersona: a.cfg.DefaultPersona,
		Voice:          a.cfg.Speech.Voice,
		Temperature:    a.cfg.Chat.Temperature,
		FallbackReply:  a.cfg.Chat.FallbackReply,
	}
	if a.queue != nil {
		cc.Speaker = a.queue
	}
	svc, err := chat.New(cc)
	if err != nil {
		return err
	}
	a.chat = svc
	a.closers = append(a.closers, func(context.Context) error {
		svc.Stop()
		svc.Wait()
		return nil
	})
	return nil
}

func (a *App) initHTTP() error {
	a.hub = api.NewHub(a.metrics)
	unsubscribe := a.store.Subscribe(a.hub.PublishState)
	a.closers = append(a.closers, func(context.Context) error {
		unsubscribe()
		return nil
	})

	a.bridge = avatar.New(a.cfg.Avatar.ModelPath,
		avatar.WithLoadDelay(a.cfg.Avatar.LoadDelay),
		avatar.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.bridge.Close() })

	cfg := api.Config{
		Chat:           a.chat,
		Store:          a.store,
		Hub:            a.hub,
		Renderer:       a.bridge,
		Health:         health.New(a.checkers()...),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
		StaticDir:      a.cfg.Server.StaticDir,
	}
	if a.queue != nil {
		a.queue.AddObserver(a.bridge)
		a.queue.AddObserver(a.hub)
		cfg.Speech = a.queue
	}
	srv, err := api.New(cfg)
	if err != nil {
		return err
	}
	a.handler = srv.Router()
	return nil
}

func (a *App) checkers() []health.Checker {
	var cs []health.Checker
	if p, ok := a.persister.(memory.Pinger); ok {
		cs = append(cs, health.StorageCheck(p))
	}
	return append(cs, health.RendererCheck(a.bridge.Ready, a.bridge.Err))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.handler }

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// Store returns the conversation store.
func (a *App) Store() *conversation.Store { return a.store }

// Speech returns the speech queue, or nil when speech is disabled.
func (a *App) Speech() *speech.Queue { return a.queue }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change: personas,
// the default persona, the voice selector and the utterance gap. Everything
// else needs a restart and is only logged.
func (a *App) ApplyConfig(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)

	if d.PersonasChanged || d.DefaultPersonaChanged {
		a.chat.ReloadPersonas(new.Personas, new.DefaultPersona)
		for _, pc := range d.PersonaChanges {
			slog.Info("persona changed", "name", pc.Name, "added", pc.Added, "removed", pc.Removed,
				"prompt_changed", pc.PromptChanged, "model_changed", pc.ModelChanged)
		}
	}

	if d.SpeechChanged {
		if old.Speech.Voice != new.Speech.Voice {
			a.chat.SetVoice(new.Speech.Voice)
		}
		if a.queue != nil {
			a.queue.SetVoice(new.Speech.Voice)
			a.queue.SetGap(new.Speech.Gap)
		}
		if old.Speech.Rate != new.Speech.Rate || old.Speech.Volume != new.Speech.Volume {
			slog.Warn("speech rate and volume changes take effect after restart")
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Storage != new.Storage ||
		old.Speech.Backend != new.Speech.Backend {
		slog.Warn("config change requires restart", "path", "server/storage/speech.backend")
	}
	return d
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on cfg.Server.ListenAddr and blocks until ctx is cancelled
// or the server fails. On cancellation the server is drained and Run returns
// ctx.Err().
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
			_ = srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](ctx); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
