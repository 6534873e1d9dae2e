package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/hiyori/pkg/types"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal valid RIFF/WAVE file holding pcm.
func buildTestWAV(pcm []byte) []byte {
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian
	putU32 := func(v uint32) { buf = le.AppendUint32(buf, v) }
	putU16 := func(v uint16) { buf = le.AppendUint16(buf, v) }

	buf = append(buf, "RIFF"...)
	putU32(fileSize)
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	putU32(fmtSize)
	putU16(1)     // PCM
	putU16(1)     // mono
	putU32(22050) // sample rate
	putU32(44100) // byte rate
	putU16(2)     // block align
	putU16(16)    // bits per sample

	buf = append(buf, "data"...)
	putU32(dataSize)
	buf = append(buf, pcm...)
	return buf
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// ---- New ----

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}
	if _, err := New("http://x", WithAPIMode("bogus")); err == nil {
		t.Error("expected error for unknown api mode")
	}

	p := mustNew(t, "http://localhost:5002/")
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash trimmed", p.serverURL)
	}
	if p.apiMode != APIModeStandard {
		t.Errorf("apiMode = %q, want standard", p.apiMode)
	}
	if p.language != defaultLanguage {
		t.Errorf("language = %q, want %q", p.language, defaultLanguage)
	}
}

// ---- Synthesize ----

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	wav := buildTestWAV([]byte{1, 2, 3, 4})
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != apiTTSEndpoint {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		gotQuery = map[string]string{
			"text":        q.Get("text"),
			"speaker_id":  q.Get("speaker_id"),
			"language_id": q.Get("language_id"),
		}
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	got, err := p.Synthesize(context.Background(), "你好。", types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(got) != string(wav) {
		t.Error("returned audio differs from server WAV")
	}
	if gotQuery["text"] != "你好。" || gotQuery["speaker_id"] != "p225" || gotQuery["language_id"] != "zh-cn" {
		t.Errorf("query = %v", gotQuery)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	wav := buildTestWAV([]byte{9, 9})
	var body ttsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != ttsEndpoint {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write(wav)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithDefaultSpeaker("Claribel Dervla"), WithLanguage("en"))
	if _, err := p.Synthesize(context.Background(), "hello.", types.VoiceProfile{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if body.Text != "hello." || body.SpeakerWav != "Claribel Dervla" || body.Language != "en" {
		t.Errorf("body = %+v", body)
	}
}

func TestSynthesize_XTTSRequiresSpeaker(t *testing.T) {
	t.Parallel()

	p := mustNew(t, "http://127.0.0.1:1", WithAPIMode(APIModeXTTS))
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error without speaker in XTTS mode")
	}
}

func TestSynthesize_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	_, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{})
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status 500", err)
	}
}

func TestSynthesize_InvalidWAV(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not a wav file at all"))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for invalid WAV")
	}
}

func TestSynthesize_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(ctx, "hi", types.VoiceProfile{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

// ---- ListVoices ----

func TestListVoices_XTTS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"Zofija Kendrick":{},"Ana Florence":{}}`))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].ID != "Ana Florence" || voices[1].ID != "Zofija Kendrick" {
		t.Fatalf("voices = %+v, want sorted studio speakers", voices)
	}
	if voices[0].Provider != "coqui" || voices[0].Metadata["type"] != "studio" {
		t.Errorf("voice[0] = %+v", voices[0])
	}
}

func TestListVoices_Standard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantIDs  []string
		wantType string
	}{
		{
			name:     "multi speaker",
			body:     `{"model_name":"vctk/vits","language":"en","speakers":["p226","p225"]}`,
			wantIDs:  []string{"p225", "p226"},
			wantType: "speaker",
		},
		{
			name:     "single speaker",
			body:     `{"model_name":"zh-CN/baker/tacotron2-DDC-GST","language":"zh-CN"}`,
			wantIDs:  []string{""},
			wantType: "single-speaker",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if voices[i].ID != id {
					t.Errorf("voice[%d].ID = %q, want %q", i, voices[i].ID, id)
				}
				if voices[i].Metadata["type"] != tt.wantType {
					t.Errorf("voice[%d] type = %q, want %q", i, voices[i].Metadata["type"], tt.wantType)
				}
			}
		})
	}
}

func TestListVoices_ServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := mustNew(t, srv.URL).ListVoices(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

// ---- parseWAV ----

func TestParseWAV(t *testing.T) {
	t.Parallel()

	valid := buildTestWAV([]byte{1, 2})
	info, err := parseWAV(valid)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 || info.SampleRate != 22050 || info.Channels != 1 {
		t.Errorf("info = %+v", info)
	}

	bad := map[string][]byte{
		"short":   []byte("RIFF"),
		"no riff": append([]byte("RIFX"), valid[4:]...),
		"no wave": append(append([]byte{}, valid[:8]...), append([]byte("WAVX"), valid[12:]...)...),
		"no data": valid[:36],
	}
	for name, wav := range bad {
		if _, err := parseWAV(wav); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
