package speech

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/pkg/types"
)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGap sets the base pause inserted between consecutive utterances. Jitter
// of ±1/6 is applied. Zero disables the pause.
func WithGap(d time.Duration) Option {
	return func(q *Queue) { q.gap = d }
}

// WithVoice sets the voice used when [Queue.Enqueue] receives an empty
// selector.
func WithVoice(selector string) Option {
	return func(q *Queue) { q.voice = selector }
}

// WithMetrics overrides the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// Queue voices sentences one at a time, in the order they were enqueued.
//
// A background dispatch goroutine pulls the next [Request] only after the
// previous Play returned. All exported methods are safe for concurrent use.
type Queue struct {
	backend Backend
	metrics *observe.Metrics
	log     *slog.Logger

	mu            sync.Mutex
	pending       []Request
	gap           time.Duration
	voice         string
	speaking      bool
	current       uint64             // id of the playing request, 0 when idle
	seq           uint64             // monotonic request id
	cancelCurrent context.CancelFunc // aborts the playing request
	observers     []Observer
	closed        bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	notify     chan struct{}
	done       chan struct{}
	stopped    chan struct{}
}

// NewQueue starts a Queue that plays through backend. Call [Queue.Close] to
// stop the dispatch goroutine.
func NewQueue(backend Backend, opts ...Option) (*Queue, error) {
	if backend == nil {
		return nil, errors.New("speech: backend must not be nil")
	}
	q := &Queue{
		backend: backend,
		log:     slog.Default(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	q.baseCtx, q.cancelBase = context.WithCancel(context.Background())
	go q.dispatch()
	return q, nil
}

// Kind returns the backend kind.
func (q *Queue) Kind() Kind { return q.backend.Kind() }

// Enqueue sanitizes text and appends it to the queue. It returns false when
// nothing speakable remains or the queue is closed. An empty voice uses the
// queue's current voice.
func (q *Queue) Enqueue(text, voice string) bool {
	text = Sanitize(text)
	if text == "" {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if voice == "" {
		voice = q.voice
	}
	q.pending = append(q.pending, Request{Text: text, Voice: voice})
	q.setSpeakingLocked(true)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// StopAll drops every pending request and aborts the one being played.
// IsSpeaking reports false as soon as StopAll returns.
func (q *Queue) StopAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopLocked()
}

func (q *Queue) stopLocked() {
	q.pending = nil
	if q.cancelCurrent != nil {
		q.cancelCurrent()
		q.cancelCurrent = nil
	}
	q.current = 0
	q.setSpeakingLocked(false)
}

// IsSpeaking reports whether an utterance is playing or waiting to be played.
func (q *Queue) IsSpeaking() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.speaking
}

// Pending returns the number of requests waiting behind the current one.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// AddObserver registers o for speaking and utterance events.
func (q *Queue) AddObserver(o Observer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.observers = append(q.observers, o)
}

// SetGap changes the pause between utterances. It applies before the next
// utterance starts.
func (q *Queue) SetGap(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gap = d
}

// SetVoice changes the default voice selector.
func (q *Queue) SetVoice(selector string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.voice = selector
}

// Voice returns the default voice selector.
func (q *Queue) Voice() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.voice
}

// Close stops playback and waits for the dispatch goroutine to exit. It is
// idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return nil
	}
	q.closed = true
	q.stopLocked()
	q.mu.Unlock()

	q.cancelBase()
	close(q.done)
	<-q.stopped
	return nil
}

// setSpeakingLocked must be called with q.mu held.
func (q *Queue) setSpeakingLocked(speaking bool) {
	if q.speaking == speaking {
		return
	}
	q.speaking = speaking
	for _, o := range q.observers {
		o.SpeakingChanged(speaking)
	}
}

// dispatch runs until Close.
func (q *Queue) dispatch() {
	defer close(q.stopped)

	var lastPlayed bool

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			req, id, ctx, cancel, ok := q.dequeue()
			if !ok {
				lastPlayed = false
				break
			}

			if lastPlayed {
				if d := q.gapWithJitter(); d > 0 {
					gapTimer.Reset(d)
					select {
					case <-ctx.Done():
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						cancel()
						q.finish(id, req, ctx.Err())
						continue
					case <-gapTimer.C:
					}
				}
			}

			if !q.start(id, req) {
				cancel()
				continue
			}
			err := q.backend.Play(ctx, req)
			if err != nil && ctx.Err() != nil {
				err = ctx.Err()
			}
			cancel()
			q.finish(id, req, err)
			lastPlayed = true
		}
	}
}

// dequeue pops the oldest request and marks it current. When the queue is
// empty and nothing plays, the speaking flag is cleared.
func (q *Queue) dequeue() (Request, uint64, context.Context, context.CancelFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		q.setSpeakingLocked(false)
		return Request{}, 0, nil, nil, false
	}

	req := q.pending[0]
	q.pending[0] = Request{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(q.baseCtx)
	q.seq++
	q.current = q.seq
	q.cancelCurrent = cancel
	return req, q.seq, ctx, cancel, true
}

// start announces req to observers unless it was stopped during the gap.
func (q *Queue) start(id uint64, req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != id {
		return false
	}
	for _, o := range q.observers {
		o.UtteranceStarted(req.Text)
	}
	return true
}

func (q *Queue) finish(id uint64, req Request, err error) {
	q.mu.Lock()
	if q.current == id {
		q.current = 0
		q.cancelCurrent = nil
	}
	q.mu.Unlock()

	kind := string(q.backend.Kind())
	ctx := context.Background()
	switch {
	case err == nil:
		q.metrics.RecordUtterance(ctx, kind, "ok")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		q.metrics.RecordUtterance(ctx, kind, "cancelled")
	default:
		serr := &SynthesisError{Backend: q.backend.Kind(), Text: req.Text, Err: err}
		q.metrics.RecordUtterance(ctx, kind, "error")
		q.log.Warn("speech: utterance failed", "backend", kind, "err", serr)
	}
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (q *Queue) gapWithJitter() time.Duration {
	q.mu.Lock()
	base := q.gap
	q.mu.Unlock()

	if base <= 0 {
		return 0
	}
	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}

// VoiceLister is implemented by backends that can enumerate their voices.
type VoiceLister interface {
	Voices(ctx context.Context) []types.VoiceProfile
}

// Voices returns the backend's voices, or nil when it cannot list them.
func (q *Queue) Voices(ctx context.Context) []types.VoiceProfile {
	if vl, ok := q.backend.(VoiceLister); ok {
		return vl.Voices(ctx)
	}
	return nil
}
