// Package types defines the shared data model used across hiyori packages.
//
// Conversation types (Message, Session, Snapshot) are the lingua franca between
// the conversation store, the storage backends, and the HTTP API. Voice types
// live here too so that speech backends and TTS providers can share them without
// circular imports.
package types

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DefaultSessionTitle is the title given to new sessions until the first user
// message renames them.
const DefaultSessionTitle = "新对话"

// Message is a single chat turn. A message belongs to exactly one [Session];
// its ID is immutable once assigned.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`

	// IsStreaming is true while an assistant reply is still being produced.
	// Persisted snapshots never carry true after a restart.
	IsStreaming bool `json:"isStreaming,omitempty"`
}

// Session is a titled, ordered list of messages.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// Snapshot is the persisted subset of the conversation store: all sessions
// (most recent first) and the active session ID. Transient state such as the
// loading flag is never part of a snapshot.
type Snapshot struct {
	Sessions        []Session `json:"sessions"`
	ActiveSessionID string    `json:"activeSessionId"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{ActiveSessionID: s.ActiveSessionID}
	if s.Sessions != nil {
		out.Sessions = make([]Session, len(s.Sessions))
		for i := range s.Sessions {
			out.Sessions[i] = s.Sessions[i].Clone()
		}
	}
	return out
}

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Provider identifies which backend this voice belongs to.
	Provider string `json:"provider,omitempty"`

	// Language is a BCP-47-ish language tag (e.g., "zh-CN", "cmn", "en-US").
	Language string `json:"language,omitempty"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64 `json:"speedFactor,omitempty"`

	// Volume adjusts loudness (0.0–1.0, 1.0 = default). Only on-device
	// synthesizers honour it.
	Volume float64 `json:"volume,omitempty"`

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}
