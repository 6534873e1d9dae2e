package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hiyori/internal/conversation"
	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/internal/speech"
)

// Event names sent on the /api/events stream.
const (
	EventState     = "state"
	EventSpeaking  = "speaking"
	EventUtterance = "utterance"
)

const (
	subscriberBuffer  = 32
	heartbeatInterval = 15 * time.Second
)

// Event is one server-sent event.
type Event struct {
	ID   string
	Name string
	Data []byte
}

// Hub fans events out to every open /api/events stream. Slow subscribers
// lose speaking and utterance events rather than blocking publishers. State
// events are full snapshots and coalesce instead: a lagging stream skips
// intermediate states but always receives the latest one.
type Hub struct {
	metrics *observe.Metrics

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	events chan Event
	state  chan Event // holds at most the newest pending state
}

var _ speech.Observer = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub(m *observe.Metrics) *Hub {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Hub{metrics: m, subs: make(map[*subscriber]struct{})}
}

// Publish encodes v and sends it to all subscribers.
func (h *Hub) Publish(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("api: encode event", "event", name, "err", err)
		return
	}
	ev := Event{ID: uuid.NewString(), Name: name, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if name == EventState {
			// Publishers are serialized by h.mu, so after the drain the
			// one-slot channel has room.
			select {
			case <-sub.state:
			default:
			}
			sub.state <- ev
			continue
		}
		select {
		case sub.events <- ev:
		default:
			slog.Debug("api: event subscriber lagging, dropping event", "event", name)
		}
	}
}

// PublishState is a [conversation.Store] subscriber.
func (h *Hub) PublishState(st conversation.State) { h.Publish(EventState, st) }

// SpeakingChanged implements [speech.Observer].
func (h *Hub) SpeakingChanged(speaking bool) {
	h.Publish(EventSpeaking, map[string]bool{"speaking": speaking})
}

// UtteranceStarted implements [speech.Observer].
func (h *Hub) UtteranceStarted(text string) {
	h.Publish(EventUtterance, map[string]string{"text": text})
}

// Subscribers returns the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) subscribe(ctx context.Context) (*subscriber, func()) {
	sub := &subscriber{
		events: make(chan Event, subscriberBuffer),
		state:  make(chan Event, 1),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.EventSubscribers.Add(ctx, 1)

	return sub, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		h.metrics.EventSubscribers.Add(context.WithoutCancel(ctx), -1)
	}
}

// serveEvents streams events until the client goes away. initial, when
// non-nil, is sent first.
func (h *Hub) serveEvents(w http.ResponseWriter, r *http.Request, initial *Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, cancel := h.subscribe(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if initial != nil {
		if writeEvent(w, *initial) != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev := <-sub.state:
			if err := writeEvent(w, ev); err != nil {
				return
			}
		case ev := <-sub.events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, ev.Data)
	return err
}
