package local_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/hiyori/pkg/provider/tts/local"
	"github.com/MrWong99/hiyori/pkg/types"
)

// recorder is a Runner that records invocations and returns canned output.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	out   []byte
	err   error
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string{name}, args...))
	return r.out, r.err
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return nil
	}
	return r.calls[len(r.calls)-1]
}

func TestNew_UnsupportedEngine(t *testing.T) {
	t.Parallel()
	if _, err := local.New(local.WithEngine("festival")); err == nil {
		t.Fatal("expected error for unsupported engine")
	}
}

func TestSpeak_Args(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		engine string
		opts   []local.Option
		voice  types.VoiceProfile
		text   string
		want   []string
	}{
		{
			name:   "espeak defaults",
			engine: local.EngineEspeak,
			text:   "你好。",
			want:   []string{"espeak-ng", "你好。"},
		},
		{
			name:   "espeak voice rate volume",
			engine: local.EngineEspeak,
			opts:   []local.Option{local.WithRate(2), local.WithVolume(0.5)},
			voice:  types.VoiceProfile{ID: "cmn"},
			text:   "你好。",
			want:   []string{"espeak-ng", "-v", "cmn", "-s", "350", "-a", "50", "你好。"},
		},
		{
			name:   "say voice and volume",
			engine: local.EngineSay,
			opts:   []local.Option{local.WithVolume(0.5)},
			voice:  types.VoiceProfile{ID: "Ting-Ting", SpeedFactor: 2},
			text:   "你好。",
			want:   []string{"say", "-v", "Ting-Ting", "-r", "350", "[[volm 0.50]] 你好。"},
		},
		{
			name:   "leading dash",
			engine: local.EngineEspeak,
			text:   "-1度",
			want:   []string{"espeak-ng", " -1度"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := &recorder{}
			s, err := local.New(append([]local.Option{local.WithEngine(tt.engine), local.WithRunner(rec.run)}, tt.opts...)...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if err := s.Speak(context.Background(), tt.text, tt.voice); err != nil {
				t.Fatalf("Speak: %v", err)
			}
			if got := rec.last(); !slices.Equal(got, tt.want) {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpeak_Errors(t *testing.T) {
	t.Parallel()

	rec := &recorder{err: errors.New("exit status 1")}
	s, _ := local.New(local.WithEngine(local.EngineEspeak), local.WithRunner(rec.run))
	if err := s.Speak(context.Background(), "hi", types.VoiceProfile{}); err == nil || !strings.Contains(err.Error(), "espeak-ng") {
		t.Fatalf("err = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Speak(ctx, "hi", types.VoiceProfile{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSynthesize_EspeakStdout(t *testing.T) {
	t.Parallel()

	rec := &recorder{out: []byte("RIFF....WAVE")}
	s, _ := local.New(local.WithEngine(local.EngineEspeak), local.WithRunner(rec.run))
	audio, err := s.Synthesize(context.Background(), "hi", types.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "RIFF....WAVE" {
		t.Errorf("audio = %q", audio)
	}
	if got := rec.last(); len(got) < 2 || got[1] != "--stdout" {
		t.Errorf("args = %q, want --stdout first", got)
	}
}

func TestListVoices_Espeak(t *testing.T) {
	t.Parallel()

	rec := &recorder{out: []byte(`Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  af              --/M      Afrikaans          gmw/af
 5  cmn             --/M      Chinese_(Mandarin) sit/cmn              (zh-cmn 5)(zh 5)
 5  en-us           --/M      English_(America)  gmw/en-US            (en 3)
`)}
	s, _ := local.New(local.WithEngine(local.EngineEspeak), local.WithRunner(rec.run))
	voices, err := s.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if got := rec.last(); !slices.Equal(got, []string{"espeak-ng", "--voices"}) {
		t.Errorf("args = %q", got)
	}
	if len(voices) != 3 {
		t.Fatalf("got %d voices, want 3", len(voices))
	}
	cmn := voices[1]
	if cmn.ID != "cmn" || cmn.Name != "Chinese (Mandarin)" || cmn.Metadata["aliases"] != "zh-cmn,zh" {
		t.Errorf("cmn voice = %+v", cmn)
	}
}

func TestParseSayVoices(t *testing.T) {
	t.Parallel()

	out := `Albert              en_US    # Hello! My name is Albert.
Eddy (Chinese (China mainland)) zh_CN    # 你好！我叫Eddy。
Ting-Ting           zh_CN    # 你好！我叫Ting-Ting。

`
	voices := local.ParseSayVoices(out)
	if len(voices) != 3 {
		t.Fatalf("got %d voices, want 3", len(voices))
	}
	if voices[1].Name != "Eddy (Chinese (China mainland))" || voices[1].Language != "zh-CN" {
		t.Errorf("voice[1] = %+v", voices[1])
	}
	if voices[2].ID != "Ting-Ting" || voices[2].Metadata["sample"] != "你好！我叫Ting-Ting。" {
		t.Errorf("voice[2] = %+v", voices[2])
	}
}

func TestResolveVoice(t *testing.T) {
	t.Parallel()

	voices := []types.VoiceProfile{
		{ID: "Albert", Name: "Albert", Language: "en-US"},
		{ID: "cmn", Name: "Chinese (Mandarin)", Language: "cmn"},
		{ID: "Ting-Ting", Name: "Ting-Ting", Language: "zh-CN"},
	}
	tests := []struct {
		name     string
		selector string
		family   string
		wantID   string
		wantOK   bool
	}{
		{name: "explicit id", selector: "albert", family: "zh", wantID: "Albert", wantOK: true},
		{name: "explicit name", selector: "Chinese (Mandarin)", family: "en", wantID: "cmn", wantOK: true},
		{name: "locale family alias", selector: "", family: "zh", wantID: "cmn", wantOK: true},
		{name: "unknown selector falls back to family", selector: "nobody", family: "en", wantID: "Albert", wantOK: true},
		{name: "engine default", selector: "", family: "ja", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, ok := local.ResolveVoice(voices, tt.selector, tt.family)
			if ok != tt.wantOK || v.ID != tt.wantID {
				t.Errorf("ResolveVoice = (%q, %v), want (%q, %v)", v.ID, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestInLocaleFamily(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lang   string
		meta   map[string]string
		family string
		want   bool
	}{
		{"zh-CN", nil, "zh", true},
		{"zh_TW", nil, "zh", true},
		{"zh", nil, "zh", true},
		{"zha", nil, "zh", false},
		{"yue", nil, "zh", true},
		{"sit", map[string]string{"aliases": "zh-cmn,zh"}, "zh", true},
		{"en-US", nil, "zh", false},
		{"en-US", nil, "", false},
	}
	for _, tt := range tests {
		v := types.VoiceProfile{Language: tt.lang, Metadata: tt.meta}
		if got := local.InLocaleFamily(v, tt.family); got != tt.want {
			t.Errorf("InLocaleFamily(%q, %q) = %v, want %v", tt.lang, tt.family, got, tt.want)
		}
	}
}
