package app_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/hiyori/internal/app"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/internal/speech"
	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/memory/memorytest"
	memorymock "github.com/MrWong99/hiyori/pkg/memory/mock"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	llmmock "github.com/MrWong99/hiyori/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/hiyori/pkg/provider/tts/mock"
)

// fakeBackend records every played sentence.
type fakeBackend struct {
	mu     sync.Mutex
	played []string
}

func (f *fakeBackend) Kind() speech.Kind { return speech.KindLocal }

func (f *fakeBackend) Play(_ context.Context, req speech.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, req.Text)
	return nil
}

func (f *fakeBackend) Played() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.played...)
}

// testConfig returns a defaulted config that needs no host resources.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0"},
		Storage: config.StorageConfig{Backend: config.StorageMemory},
		Speech:  config.SpeechConfig{Backend: config.SpeechNone},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testProviders(chunks ...string) *app.Providers {
	stream := make([]llm.Chunk, 0, len(chunks)+1)
	for _, c := range chunks {
		stream = append(stream, llm.Chunk{Text: c})
	}
	stream = append(stream, llm.Chunk{FinishReason: "stop"})
	return &app.Providers{LLM: app.NamedLLM{Name: "mock", Provider: &llmmock.Provider{StreamChunks: stream}}}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{}, app.WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "providers.llm") {
		t.Fatalf("New() error = %v, want missing llm", err)
	}
}

func TestNew_RemoteSpeechRequiresTTS(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Speech.Backend = config.SpeechRemote
	_, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "providers.tts") {
		t.Fatalf("New() error = %v, want missing tts", err)
	}
}

func TestNew_RemoteSpeechWithFallbacks(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Speech.Backend = config.SpeechRemote
	cfg.Speech.PlayerCommand = []string{"true"}
	ps := testProviders()
	ps.TTS = app.NamedTTS{Name: "primary", Provider: &ttsmock.Provider{Audio: []byte("a")}}
	ps.TTSFallbacks = []app.NamedTTS{{Name: "backup", Provider: &ttsmock.Provider{Audio: []byte("b")}}}
	ps.LLMFallbacks = []app.NamedLLM{{Name: "backup", Provider: &llmmock.Provider{}}}

	a, err := app.New(context.Background(), cfg, ps, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	if a.Speech() == nil || a.Speech().Kind() != speech.KindRemote {
		t.Errorf("speech = %v, want remote queue", a.Speech())
	}
}

func TestNew_SpeechDisabled(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders("嗯。"), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	if a.Speech() != nil {
		t.Error("expected no speech queue for the none backend")
	}
	if err := a.Chat().Submit(context.Background(), "hi"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if msgs := a.Store().ActiveMessages(); len(msgs) != 2 || msgs[1].Content != "嗯。" {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestNew_RestoresAndPersists(t *testing.T) {
	t.Parallel()

	backend := &memorymock.StateStore{}
	seed := memorytest.SampleSnapshot()
	backend.Seed(memory.DefaultKey, seed)
	speaker := &fakeBackend{}

	a, err := app.New(context.Background(), testConfig(), testProviders("你好！", "我是日和。"),
		app.WithStateStore(backend),
		app.WithSpeechBackend(speaker),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if got := a.Store().ActiveSessionID(); got != seed.ActiveSessionID {
		t.Errorf("active session = %q, want %q", got, seed.ActiveSessionID)
	}

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/chat", "application/json", strings.NewReader(`{"text":"你好"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/chat status = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(speaker.Played()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("played = %v, want two sentences", speaker.Played())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := speaker.Played(); got[0] != "你好！" || got[1] != "我是日和。" {
		t.Errorf("played = %v", got)
	}

	shutdown(t, a)

	snap, ok := backend.Stored(memory.DefaultKey)
	if !ok {
		t.Fatal("nothing persisted")
	}
	var found bool
	for _, s := range snap.Sessions {
		if s.ID != seed.ActiveSessionID {
			continue
		}
		last := s.Messages[len(s.Messages)-1]
		found = last.Content == "你好！我是日和。" && !last.IsStreaming
	}
	if !found {
		t.Errorf("reply not persisted in active session: %+v", snap)
	}
	if got := backend.CallCount("Close"); got != 1 {
		t.Errorf("state store Close calls = %d, want 1", got)
	}
}

func TestNew_LoadFailureLeavesStorageUntouched(t *testing.T) {
	t.Parallel()

	backend := &memorymock.StateStore{LoadErr: errors.New("corrupt")}
	_, err := app.New(context.Background(), testConfig(), testProviders(),
		app.WithStateStore(backend),
		app.WithMetrics(testMetrics(t)),
	)
	if err == nil {
		t.Fatal("expected load error")
	}
	if got := backend.CallCount("Save"); got != 0 {
		t.Errorf("Save calls = %d, want 0", got)
	}
	if got := backend.CallCount("Close"); got != 1 {
		t.Errorf("Close calls = %d, want 1", got)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	speaker := &fakeBackend{}
	old := testConfig()
	a, err := app.New(context.Background(), old, testProviders(),
		app.WithSpeechBackend(speaker),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer shutdown(t, a)

	next := testConfig()
	next.Personas = []config.PersonaConfig{{Name: "Hiyori", Model: "deepseek-chat", SystemPrompt: config.TsunderePrompt}}
	next.DefaultPersona = "Hiyori"
	next.Speech.Voice = "Tingting"
	next.Speech.Gap = 50 * time.Millisecond

	d := a.ApplyConfig(old, next)
	if !d.PersonasChanged || !d.SpeechChanged {
		t.Errorf("diff = %+v", d)
	}
	if got := a.Chat().ActivePersona().Name; got != "Hiyori" {
		t.Errorf("active persona = %q, want Hiyori", got)
	}
	if got := a.Chat().Voice(); got != "Tingting" {
		t.Errorf("chat voice = %q", got)
	}
	if got := a.Speech().Voice(); got != "Tingting" {
		t.Errorf("queue voice = %q", got)
	}
}

func TestOpenStateStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	s, err := app.OpenStateStore(ctx, config.StorageConfig{Backend: config.StorageMemory})
	if err != nil || s != nil {
		t.Errorf("memory backend = %v, %v; want nil, nil", s, err)
	}

	if _, err := app.OpenStateStore(ctx, config.StorageConfig{Backend: "tape"}); err == nil {
		t.Error("expected error for unknown backend")
	}

	for _, backend := range []config.StorageBackend{config.StorageFile, config.StorageBolt, config.StorageSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()
			path := t.TempDir()
			if backend != config.StorageFile {
				path += "/hiyori.db"
			}
			s, err := app.OpenStateStore(ctx, config.StorageConfig{Backend: backend, Path: path})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer s.Close()
			if err := s.Save(ctx, memory.DefaultKey, memorytest.SampleSnapshot()); err != nil {
				t.Fatalf("Save: %v", err)
			}
		})
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after cancellation")
	}

	shutdown(t, a)
}
