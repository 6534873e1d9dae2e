package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-sdk", "demo", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "coqui", "elevenlabs", "local"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment
// references, applies defaults, and validates the result. An empty document
// yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ExpandEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches "${NAME}".
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expand(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// ExpandEnv replaces "${NAME}" references in secrets and endpoints with the
// value of the environment variable NAME. Unset variables expand to "".
func ExpandEnv(cfg *Config) {
	expandEntry := func(e *ProviderEntry) {
		e.APIKey = expand(e.APIKey)
		e.BaseURL = expand(e.BaseURL)
	}
	expandEntry(&cfg.Providers.LLM)
	expandEntry(&cfg.Providers.TTS)
	for i := range cfg.Providers.LLMFallbacks {
		expandEntry(&cfg.Providers.LLMFallbacks[i])
	}
	for i := range cfg.Providers.TTSFallbacks {
		expandEntry(&cfg.Providers.TTSFallbacks[i])
	}
	cfg.Storage.DSN = expand(cfg.Storage.DSN)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.TTSFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}

	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; falling back to the offline demo stream")
	}

	// Speech
	if cfg.Speech.Backend != "" && !cfg.Speech.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("speech.backend %q is invalid; valid values: local, remote, none", cfg.Speech.Backend))
	}
	if cfg.Speech.Backend == SpeechRemote && cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("speech.backend remote requires providers.tts"))
	}
	if cfg.Speech.Rate != 0 && (cfg.Speech.Rate < 0.5 || cfg.Speech.Rate > 2.0) {
		errs = append(errs, fmt.Errorf("speech.rate %.2f is out of range [0.5, 2.0]", cfg.Speech.Rate))
	}
	if cfg.Speech.Volume < 0 || cfg.Speech.Volume > 1 {
		errs = append(errs, fmt.Errorf("speech.volume %.2f is out of range [0, 1]", cfg.Speech.Volume))
	}
	if cfg.Speech.Gap < 0 {
		errs = append(errs, fmt.Errorf("speech.gap %s must not be negative", cfg.Speech.Gap))
	}

	// Storage
	if cfg.Storage.Backend != "" && !cfg.Storage.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: file, bolt, sqlite, postgres, memory", cfg.Storage.Backend))
	}
	if cfg.Storage.Backend == StoragePostgres && cfg.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn is required when storage.backend is postgres"))
	}

	// Chat
	if cfg.Chat.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("chat.history_limit %d must not be negative", cfg.Chat.HistoryLimit))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}

	// Personas
	seen := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
		}
		seen[p.Name] = i
	}
	if cfg.DefaultPersona != "" && len(cfg.Personas) > 0 {
		if _, ok := seen[cfg.DefaultPersona]; !ok {
			errs = append(errs, fmt.Errorf("default_persona %q does not name a persona", cfg.DefaultPersona))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
