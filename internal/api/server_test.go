package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/hiyori/internal/api"
	"github.com/MrWong99/hiyori/internal/chat"
	"github.com/MrWong99/hiyori/internal/completion"
	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/provider/llm/mock"
	"github.com/MrWong99/hiyori/pkg/types"
)

type fakeSpeech struct {
	speaking bool
	voices   []types.VoiceProfile
}

func (f *fakeSpeech) IsSpeaking() bool                            { return f.speaking }
func (f *fakeSpeech) Voices(context.Context) []types.VoiceProfile { return f.voices }

type fixture struct {
	srv   *httptest.Server
	store *conversation.Store
	chat  *chat.Service
	hub   *api.Hub
	llm   *mock.Provider
}

func newFixture(t *testing.T, p *mock.Provider, sp api.Speech) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(metric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	client, err := completion.New(p, completion.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	store := conversation.New()
	svc, err := chat.New(chat.Config{Store: store, Streamer: client})
	if err != nil {
		t.Fatal(err)
	}
	hub := api.NewHub(m)
	unsubscribe := store.Subscribe(hub.PublishState)

	s, err := api.New(api.Config{
		Chat:           svc,
		Store:          store,
		Hub:            hub,
		Speech:         sp,
		Metrics:        m,
		MetricsHandler: http.NotFoundHandler(),
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
		svc.Wait()
		unsubscribe()
		_ = store.Close(context.Background())
	})
	return &fixture{srv: srv, store: store, chat: svc, hub: hub, llm: p}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := api.New(api.Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestChat_AcceptedThenReplyStored(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{StreamChunks: []llm.Chunk{{Text: "你好呀。"}, {FinishReason: "stop"}}}, nil)

	resp := f.do(t, http.MethodPost, "/api/chat", `{"text":"hi"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	waitFor(t, "reply", func() bool { return !f.store.IsLoading() })

	st := decode[conversation.State](t, f.do(t, http.MethodGet, "/api/state", ""))
	if len(st.ActiveMessages) != 2 {
		t.Fatalf("messages = %d, want 2", len(st.ActiveMessages))
	}
	if got := st.ActiveMessages[1].Content; got != "你好呀。" {
		t.Errorf("reply = %q", got)
	}
	if len(st.Sessions) != 1 || st.Sessions[0].Title != "hi" {
		t.Errorf("sessions = %+v", st.Sessions)
	}
}

func TestChat_RejectsEmptyAndBusy(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{HoldOpen: true}, nil)

	if resp := f.do(t, http.MethodPost, "/api/chat", `{"text":"   "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty: status = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/chat", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodPost, "/api/chat", `{"text":"one"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first: status = %d, want 202", resp.StatusCode)
	}
	resp := f.do(t, http.MethodPost, "/api/chat", `{"text":"two"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("busy: status = %d, want 409", resp.StatusCode)
	}
	if e := decode[map[string]string](t, resp); e["code"] != "busy" {
		t.Errorf("error body = %v", e)
	}

	if resp := f.do(t, http.MethodPost, "/api/chat/stop", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop: status = %d, want 204", resp.StatusCode)
	}
	if f.store.IsLoading() {
		t.Error("still loading after stop")
	}
}

func TestSessions_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, nil)

	resp := f.do(t, http.MethodPost, "/api/sessions", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	first := decode[map[string]string](t, resp)["id"]
	if first == "" {
		t.Fatal("no session id returned")
	}
	second := decode[map[string]string](t, f.do(t, http.MethodPost, "/api/sessions", ""))["id"]

	if resp := f.do(t, http.MethodPost, "/api/sessions/"+first+"/activate", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("activate: status = %d", resp.StatusCode)
	}
	if f.store.ActiveSessionID() != first {
		t.Errorf("active = %q, want %q", f.store.ActiveSessionID(), first)
	}
	if resp := f.do(t, http.MethodPost, "/api/sessions/nope/activate", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("activate unknown: status = %d, want 404", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodPatch, "/api/sessions/"+second, `{"title":"旅行计划"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("rename: status = %d", resp.StatusCode)
	}
	if s, ok := f.store.Session(second); !ok || s.Title != "旅行计划" {
		t.Errorf("renamed session = %+v", s)
	}
	if resp := f.do(t, http.MethodPatch, "/api/sessions/"+second, `{"title":" "}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank rename: status = %d, want 400", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodDelete, "/api/sessions/"+first, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", resp.StatusCode)
	}
	if resp := f.do(t, http.MethodDelete, "/api/sessions/"+first, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete again: status = %d, want 404", resp.StatusCode)
	}
	if n := len(f.store.Sessions()); n != 1 {
		t.Errorf("sessions = %d, want 1", n)
	}
}

func TestPersonasAndVoice(t *testing.T) {
	t.Parallel()

	sp := &fakeSpeech{speaking: true, voices: []types.VoiceProfile{{ID: "Tingting", Name: "Tingting", Language: "zh-CN"}}}
	f := newFixture(t, &mock.Provider{}, sp)

	type personas struct {
		Personas []struct {
			Name string `json:"name"`
		} `json:"personas"`
		Active string `json:"active"`
	}
	got := decode[personas](t, f.do(t, http.MethodGet, "/api/personas", ""))
	if len(got.Personas) == 0 || got.Active == "" {
		t.Fatalf("personas = %+v", got)
	}

	target := got.Personas[len(got.Personas)-1].Name
	body, _ := json.Marshal(map[string]string{"name": target})
	if resp := f.do(t, http.MethodPut, "/api/persona", string(body)); resp.StatusCode != http.StatusNoContent {
		t.Errorf("select: status = %d", resp.StatusCode)
	}
	if f.chat.ActivePersona().Name != target {
		t.Errorf("active persona = %q, want %q", f.chat.ActivePersona().Name, target)
	}
	if resp := f.do(t, http.MethodPut, "/api/persona", `{"name":"nobody"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown persona: status = %d, want 404", resp.StatusCode)
	}

	if resp := f.do(t, http.MethodPut, "/api/voice", `{"voice":"Tingting"}`); resp.StatusCode != http.StatusNoContent {
		t.Errorf("set voice: status = %d", resp.StatusCode)
	}
	type voices struct {
		Voices   []types.VoiceProfile `json:"voices"`
		Selected string               `json:"selected"`
		Speaking bool                 `json:"speaking"`
	}
	v := decode[voices](t, f.do(t, http.MethodGet, "/api/voices", ""))
	if len(v.Voices) != 1 || v.Selected != "Tingting" || !v.Speaking {
		t.Errorf("voices = %+v", v)
	}
}

func TestVoices_WithoutSpeech(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, nil)
	resp := f.do(t, http.MethodGet, "/api/voices", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `"voices":[]`) {
		t.Errorf("body = %s, want empty voices list", raw)
	}
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, nil)
	for _, path := range []string{"/healthz", "/readyz"} {
		if resp := f.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status = %d", path, resp.StatusCode)
		}
	}
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	id, name, data string
}

func readEvents(t *testing.T, r *bufio.Reader, out chan<- sseEvent) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			close(out)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func TestEvents_StreamsStateAndSpeech(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &mock.Provider{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readEvents(t, bufio.NewReader(resp.Body), events)

	first := nextEvent(t, events)
	if first.name != api.EventState || first.id == "" {
		t.Fatalf("first event = %+v, want state with id", first)
	}

	waitFor(t, "subscriber", func() bool { return f.hub.Subscribers() == 1 })

	id := f.store.CreateSession()
	ev := nextEvent(t, events)
	if ev.name != api.EventState || !strings.Contains(ev.data, id) {
		t.Errorf("state event = %+v, want session %s", ev, id)
	}

	f.hub.SpeakingChanged(true)
	f.hub.UtteranceStarted("你好。")
	if ev := nextEvent(t, events); ev.name != api.EventSpeaking || ev.data != `{"speaking":true}` {
		t.Errorf("speaking event = %+v", ev)
	}
	if ev := nextEvent(t, events); ev.name != api.EventUtterance || ev.data != `{"text":"你好。"}` {
		t.Errorf("utterance event = %+v", ev)
	}

	cancel()
	waitFor(t, "unsubscribe", func() bool { return f.hub.Subscribers() == 0 })
}
