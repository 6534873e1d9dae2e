package main

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hiyori/internal/app"
	"github.com/MrWong99/hiyori/internal/config"
	"github.com/MrWong99/hiyori/pkg/provider/llm"
	"github.com/MrWong99/hiyori/pkg/provider/llm/anyllm"
	"github.com/MrWong99/hiyori/pkg/provider/llm/demo"
	oaillm "github.com/MrWong99/hiyori/pkg/provider/llm/openai"
	"github.com/MrWong99/hiyori/pkg/provider/llm/sse"
	"github.com/MrWong99/hiyori/pkg/provider/tts"
	"github.com/MrWong99/hiyori/pkg/provider/tts/coqui"
	"github.com/MrWong99/hiyori/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/hiyori/pkg/provider/tts/local"
	oaitts "github.com/MrWong99/hiyori/pkg/provider/tts/openai"
)

// anyLLMProviders share one factory: optional APIKey plus optional BaseURL.
var anyLLMProviders = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// "openai" speaks the chat-completions SSE wire format directly, so it
	// also covers DeepSeek and any other compatible endpoint via base_url.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []sse.Option
		if entry.Model != "" {
			opts = append(opts, sse.WithModel(entry.Model))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, sse.WithTemperature(t))
		}
		return sse.New(entry.BaseURL, entry.APIKey, opts...)
	})

	reg.RegisterLLM("openai-sdk", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("demo", func(config.ProviderEntry) (llm.Provider, error) {
		return demo.New(), nil
	})

	for _, providerName := range anyLLMProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.Model != "" {
			opts = append(opts, oaitts.WithModel(entry.Model))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, oaitts.WithVoice(v))
		}
		return oaitts.New(entry.BaseURL, entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if v := optString(entry.Options, "voice"); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if spk := optString(entry.Options, "speaker"); spk != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(spk))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("local", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []local.Option
		if engine := optString(entry.Options, "engine"); engine != "" {
			opts = append(opts, local.WithEngine(engine))
		}
		return local.New(opts...)
	})

	slog.Debug("registered providers", "llm", reg.LLMNames(), "tts", reg.TTSNames())
}

// buildProviders instantiates all providers named in cfg. Without an LLM
// entry the offline demo stream is used.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llmEntry := cfg.Providers.LLM
	if llmEntry.Name == "" {
		llmEntry.Name = "demo"
	}
	p, err := reg.CreateLLM(llmEntry)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", llmEntry.Name, err)
	}
	ps.LLM = app.NamedLLM{Name: llmEntry.Name, Provider: p}
	slog.Info("provider created", "kind", "llm", "name", llmEntry.Name, "model", llmEntry.Model)

	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		ps.LLMFallbacks = append(ps.LLMFallbacks, app.NamedLLM{Name: entry.Name, Provider: p})
	}

	if name := cfg.Providers.TTS.Name; name != "" {
		p, err := reg.CreateTTS(cfg.Providers.TTS)
		if err != nil {
			return nil, fmt.Errorf("create tts provider %q: %w", name, err)
		}
		ps.TTS = app.NamedTTS{Name: name, Provider: p}
		slog.Info("provider created", "kind", "tts", "name", name)
	}
	for _, entry := range cfg.Providers.TTSFallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("create tts fallback %q: %w", entry.Name, err)
		}
		ps.TTSFallbacks = append(ps.TTSFallbacks, app.NamedTTS{Name: entry.Name, Provider: p})
	}
	return ps, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int, so both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
