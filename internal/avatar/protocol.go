package avatar

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Outbound message types.
const (
	TypeInit       = "init"
	TypeLoadModel  = "loadModel"
	TypeMotion     = "motion"
	TypeExpression = "expression"
	TypeMouthOpen  = "mouthOpen"
)

// Inbound message types.
const (
	TypeReady  = "ready"
	TypeLoaded = "loaded"
	TypeError  = "error"
)

// Motion groups played while speaking and while idle.
const (
	MotionSpeaking = "Tap"
	MotionIdle     = "Idle"
)

// Envelope is the JSON frame exchanged with the renderer.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Message carries the text of an inbound error frame. Renderers may
	// also put it in the payload.
	Message string `json:"message,omitempty"`
}

// errorText returns the message of an inbound error frame.
func (e Envelope) errorText() string {
	if e.Message != "" {
		return e.Message
	}
	var p struct {
		Message string `json:"message"`
	}
	if len(e.Payload) > 0 && json.Unmarshal(e.Payload, &p) == nil && p.Message != "" {
		return p.Message
	}
	return "renderer reported an error"
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type loadModelPayload struct {
	Path string `json:"path"`
}

type motionPayload struct {
	Group string `json:"group"`
}

type expressionPayload struct {
	Name string `json:"name"`
}

type mouthOpenPayload struct {
	Value float64 `json:"value"`
}

// vowelOpenness maps a lower-case vowel, with or without a pinyin tone mark,
// to how far the mouth opens.
var vowelOpenness = map[rune]float64{}

func init() {
	for _, group := range []struct {
		runes string
		value float64
	}{
		{"aāáǎà", 1},
		{"oōóǒò", 0.7},
		{"eēéěè", 0.6},
		{"iīíǐì", 0.3},
		{"uūúǔù", 0.4},
		{"üǖǘǚǜ", 0.5},
	} {
		for _, r := range group.runes {
			vowelOpenness[r] = group.value
		}
	}
}

// MouthShapes returns the openness value for every vowel in text, in order.
func MouthShapes(text string) []float64 {
	var out []float64
	for _, r := range strings.ToLower(text) {
		if v, ok := vowelOpenness[unicode.ToLower(r)]; ok {
			out = append(out, v)
		}
	}
	return out
}
