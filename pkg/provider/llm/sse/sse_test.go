package sse_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/provider/llm/sse"
)

// ---- helpers ----

type capturedRequest struct {
	Header http.Header
	Body   map[string]any
}

// newServer starts an httptest server that records the request and replies
// with the raw event-stream body produced by write.
func newServer(t *testing.T, write func(w http.ResponseWriter, f http.Flusher)) (*httptest.Server, func() capturedRequest) {
	t.Helper()
	var (
		mu  sync.Mutex
		got capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = capturedRequest{Header: r.Header.Clone(), Body: body}
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		f, _ := w.(http.Flusher)
		write(w, f)
	}))
	t.Cleanup(srv.Close)
	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

func frame(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(b) + "\n\n"
}

func drain(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("timed out draining chunk channel")
		}
	}
}

func texts(chunks []llm.Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// ---- tests ----

func TestStreamCompletion_RequestShape(t *testing.T) {
	t.Parallel()

	srv, captured := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	p, err := sse.New(srv.URL, "sk-test", sse.WithModel("deepseek-chat"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "be nice"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	drain(t, ch)

	req := captured()
	if got := req.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer sk-test")
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if req.Body["model"] != "deepseek-chat" {
		t.Errorf("model = %v, want deepseek-chat", req.Body["model"])
	}
	if req.Body["stream"] != true {
		t.Errorf("stream = %v, want true", req.Body["stream"])
	}
	if req.Body["temperature"] != sse.DefaultTemperature {
		t.Errorf("temperature = %v, want %v", req.Body["temperature"], sse.DefaultTemperature)
	}
	msgs, _ := req.Body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages len = %d, want 2", len(msgs))
	}
}

func TestStreamCompletion_RequestModelOverridesDefault(t *testing.T) {
	t.Parallel()

	srv, captured := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	p, _ := sse.New(srv.URL, "k")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Model:       "gpt-4o",
		Temperature: 1.2,
		Messages:    []llm.Message{{Role: "user", Content: "x"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	drain(t, ch)

	req := captured()
	if req.Body["model"] != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", req.Body["model"])
	}
	if req.Body["temperature"] != 1.2 {
		t.Errorf("temperature = %v, want 1.2", req.Body["temperature"])
	}
}

func TestStreamCompletion_DecodesFrames(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, frame("你好"))
		f.Flush()
		fmt.Fprint(w, "\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		fmt.Fprint(w, frame("！世界"))
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, frame("after done"))
	})

	p, _ := sse.New(srv.URL, "k")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := drain(t, ch)
	if got := texts(chunks); got != "你好！世界" {
		t.Errorf("text = %q, want %q", got, "你好！世界")
	}
	for _, c := range chunks {
		if c.IsError() {
			t.Errorf("unexpected error chunk: %q", c.Text)
		}
	}
}

func TestStreamCompletion_ReassemblesSplitLines(t *testing.T) {
	t.Parallel()

	full := frame("拆开的行。")
	half := len(full) / 2

	srv, _ := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, full[:half])
		f.Flush()
		time.Sleep(20 * time.Millisecond)
		fmt.Fprint(w, full[half:])
		f.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	p, _ := sse.New(srv.URL, "k")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := texts(drain(t, ch)); got != "拆开的行。" {
		t.Errorf("text = %q, want %q", got, "拆开的行。")
	}
}

func TestStreamCompletion_MalformedFrameIsSkipped(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, frame("a"))
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, frame("b"))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	p, _ := sse.New(srv.URL, "k")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	if got := texts(drain(t, ch)); got != "ab" {
		t.Errorf("text = %q, want %q", got, "ab")
	}
}

func TestStreamCompletion_EOFWithoutDoneEndsCleanly(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, frame("partial"))
	})

	p, _ := sse.New(srv.URL, "k")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	chunks := drain(t, ch)
	if got := texts(chunks); got != "partial" {
		t.Errorf("text = %q, want partial", got)
	}
}

func TestStreamCompletion_Non2xxReturnsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	p, _ := sse.New(srv.URL, "bad")
	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if ch != nil {
		t.Error("expected nil channel on startup failure")
	}
	var se *sse.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error %T is not *StatusError", err)
	}
	if se.Code != http.StatusUnauthorized {
		t.Errorf("Code = %d, want 401", se.Code)
	}
	if se.Status != "Unauthorized" {
		t.Errorf("Status = %q, want Unauthorized", se.Status)
	}
	if !strings.Contains(se.Body, "invalid api key") {
		t.Errorf("Body = %q, want it to contain the server message", se.Body)
	}
	if !strings.HasPrefix(se.Error(), "API 请求失败: 401 Unauthorized - ") {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestStreamCompletion_DialErrorIsStartupError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p, _ := sse.New(url, "k")
	if _, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected dial error, got nil")
	}
}

func TestStreamCompletion_ContextCancelClosesChannel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv, _ := newServer(t, func(w http.ResponseWriter, f http.Flusher) {
		fmt.Fprint(w, frame("first"))
		f.Flush()
		<-release
	})
	t.Cleanup(func() { close(release) })

	p, _ := sse.New(srv.URL, "k")
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.StreamCompletion(ctx, llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	select {
	case c := <-ch:
		if c.Text != "first" {
			t.Fatalf("first chunk = %q, want first", c.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first chunk")
	}

	cancel()
	for c := range ch {
		if c.IsError() {
			t.Errorf("cancellation surfaced as error chunk: %q", c.Text)
		}
	}
}

func TestNew_RejectsNonHTTPEndpoint(t *testing.T) {
	t.Parallel()

	if _, err := sse.New("ftp://example.com", "k"); err == nil {
		t.Fatal("expected error for non-http endpoint")
	}
}
