// Package config provides the configuration schema, loader, and provider registry
// for the hiyori companion service.
package config

import "time"

// LogLevel controls log verbosity for the hiyori server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SpeechBackend selects how sentences are voiced.
type SpeechBackend string

const (
	// SpeechLocal uses the on-device synthesizer (say / espeak-ng).
	SpeechLocal SpeechBackend = "local"

	// SpeechRemote fetches audio from providers.tts and pipes it to a player.
	SpeechRemote SpeechBackend = "remote"

	// SpeechNone disables speech output.
	SpeechNone SpeechBackend = "none"
)

// IsValid reports whether b is a recognised speech backend.
func (b SpeechBackend) IsValid() bool {
	switch b {
	case SpeechLocal, SpeechRemote, SpeechNone:
		return true
	}
	return false
}

// StorageBackend selects where conversation snapshots are persisted.
type StorageBackend string

const (
	StorageFile     StorageBackend = "file"
	StorageBolt     StorageBackend = "bolt"
	StorageSQLite   StorageBackend = "sqlite"
	StoragePostgres StorageBackend = "postgres"

	// StorageMemory keeps state only for the lifetime of the process.
	StorageMemory StorageBackend = "memory"
)

// IsValid reports whether b is a recognised storage backend.
func (b StorageBackend) IsValid() bool {
	switch b {
	case StorageFile, StorageBolt, StorageSQLite, StoragePostgres, StorageMemory:
		return true
	}
	return false
}

// Config is the root configuration structure for hiyori.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Speech    SpeechConfig    `yaml:"speech"`
	Storage   StorageConfig   `yaml:"storage"`
	Avatar    AvatarConfig    `yaml:"avatar"`
	Chat      ChatConfig      `yaml:"chat"`

	// Personas lists the selectable assistant personalities. When empty,
	// [DefaultPersonas] is used.
	Personas []PersonaConfig `yaml:"personas"`

	// DefaultPersona names the persona active at startup. Defaults to the
	// first persona.
	DefaultPersona string `yaml:"default_persona"`
}

// ServerConfig holds network and logging settings for the hiyori server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// StaticDir, when set, is served at "/" (the built web UI and renderer page).
	StaticDir string `yaml:"static_dir"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`
	TTS ProviderEntry `yaml:"tts"`

	// LLMFallbacks are tried in order when the primary LLM cannot start a stream.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	// TTSFallbacks are tried in order when the primary TTS provider fails.
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepseek").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// "${VAR}" references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "deepseek-chat", "tts-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// SpeechConfig configures the speech queue and its backend.
type SpeechConfig struct {
	// Backend selects local, remote, or none. Defaults to local.
	Backend SpeechBackend `yaml:"backend"`

	// Voice is the initial voice selector (voice ID or name).
	Voice string `yaml:"voice"`

	// Locale is the language family used to pick a default local voice.
	// Defaults to "zh".
	Locale string `yaml:"locale"`

	// Rate is the speaking-rate factor in [0.5, 2.0]. Defaults to 1.
	Rate float64 `yaml:"rate"`

	// Volume is the loudness factor in [0, 1]. Defaults to 1.
	Volume float64 `yaml:"volume"`

	// PlayerCommand is the command remote audio is piped to on stdin.
	PlayerCommand []string `yaml:"player_command"`

	// Gap is the pause inserted between two utterances.
	Gap time.Duration `yaml:"gap"`
}

// StorageConfig selects and configures the conversation persistence backend.
type StorageConfig struct {
	// Backend defaults to file.
	Backend StorageBackend `yaml:"backend"`

	// Path is the directory (file) or database file (bolt, sqlite).
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string (postgres).
	DSN string `yaml:"dsn"`
}

// AvatarConfig configures the renderer peer.
type AvatarConfig struct {
	// ModelPath is sent to the renderer in the loadModel message.
	ModelPath string `yaml:"model_path"`

	// LoadDelay is the wait between init and loadModel. Defaults to 500ms.
	LoadDelay time.Duration `yaml:"load_delay"`
}

// ChatConfig tunes the completion flow.
type ChatConfig struct {
	// HistoryLimit caps the non-system turns sent to the model. Defaults to 20.
	HistoryLimit int `yaml:"history_limit"`

	// Temperature is the sampling temperature. Defaults to 0.7.
	Temperature float64 `yaml:"temperature"`

	// FallbackReply replaces the assistant message when a stream fails.
	FallbackReply string `yaml:"fallback_reply"`
}

// PersonaConfig is a selectable assistant personality.
type PersonaConfig struct {
	// Name is the unique display name.
	Name string `yaml:"name" json:"name"`

	// Model is passed to the LLM provider. Empty uses the provider default.
	Model string `yaml:"model" json:"model,omitempty"`

	// SystemPrompt is prepended to every request.
	SystemPrompt string `yaml:"system_prompt" json:"systemPrompt"`

	// Description is shown in the persona picker.
	Description string `yaml:"description" json:"description,omitempty"`
}
