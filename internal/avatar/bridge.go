// Package avatar connects the speech pipeline to a Live2D renderer over a
// WebSocket.
//
// The renderer announces itself with a ready frame, is told to initialise
// and load a model, and from then on receives motion and mouth-shape frames
// driven by [speech.Observer] events.
package avatar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hiyori/internal/observe"
	"github.com/MrWong99/hiyori/internal/speech"
)

const (
	// DefaultLoadDelay is the pause between init and loadModel.
	DefaultLoadDelay = 500 * time.Millisecond

	// DefaultLipSyncInterval is how long each vowel's mouth shape is held.
	DefaultLipSyncInterval = 100 * time.Millisecond

	// sendBuffer is the number of frames queued per peer before drops.
	sendBuffer = 64
)

// ErrClosed is returned by [Bridge.WaitReady] after [Bridge.Close].
var ErrClosed = errors.New("avatar: bridge closed")

var _ speech.Observer = (*Bridge)(nil)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLoadDelay overrides [DefaultLoadDelay].
func WithLoadDelay(d time.Duration) Option {
	return func(b *Bridge) { b.loadDelay = d }
}

// WithLipSyncInterval overrides [DefaultLipSyncInterval].
func WithLipSyncInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.lipInterval = d
		}
	}
}

// WithOriginPatterns allows cross-origin renderer pages. See
// [websocket.AcceptOptions].
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.originPatterns = patterns }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is an [http.Handler] that serves one renderer at a time. A newer
// connection replaces the previous one.
type Bridge struct {
	modelPath      string
	loadDelay      time.Duration
	lipInterval    time.Duration
	originPatterns []string
	metrics        *observe.Metrics

	mu        sync.Mutex
	peer      *peer
	ready     bool
	readyCh   chan struct{} // closed while ready
	err       error
	lipCancel context.CancelFunc
	closed    bool
	done      chan struct{}
}

type peer struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte
}

// New returns a Bridge that asks renderers to load modelPath.
func New(modelPath string, opts ...Option) *Bridge {
	b := &Bridge{
		modelPath:   modelPath,
		loadDelay:   DefaultLoadDelay,
		lipInterval: DefaultLipSyncInterval,
		readyCh:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// ServeHTTP upgrades the request and serves the renderer until it
// disconnects or is replaced.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("avatar: accept renderer", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	p := &peer{conn: conn, ctx: ctx, cancel: cancel, out: make(chan []byte, sendBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	if old := b.peer; old != nil {
		old.cancel()
		old.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer renderer")
	}
	b.peer = p
	b.setReadyLocked(false)
	b.mu.Unlock()

	b.metrics.RendererConnections.Add(ctx, 1)
	defer b.metrics.RendererConnections.Add(context.Background(), -1)
	slog.Info("avatar: renderer connected", "remote", r.RemoteAddr)

	go b.writeLoop(p)
	err = b.readLoop(p)

	b.mu.Lock()
	if b.peer == p {
		b.peer = nil
		b.setReadyLocked(false)
		b.stopLipSyncLocked()
	}
	b.mu.Unlock()
	cancel()
	conn.Close(websocket.StatusNormalClosure, "")

	if err != nil && ctx.Err() == nil {
		slog.Info("avatar: renderer disconnected", "err", err)
	}
}

func (b *Bridge) readLoop(p *peer) error {
	for {
		_, data, err := p.conn.Read(p.ctx)
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("avatar: malformed renderer frame", "err", err)
			continue
		}
		b.handle(p, env)
	}
}

func (b *Bridge) writeLoop(p *peer) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case data := <-p.out:
			if err := p.conn.Write(p.ctx, websocket.MessageText, data); err != nil {
				p.cancel()
				return
			}
		}
	}
}

func (b *Bridge) handle(p *peer, env Envelope) {
	switch env.Type {
	case TypeReady:
		b.sendTo(p, TypeInit, nil)
		time.AfterFunc(b.loadDelay, func() {
			b.sendTo(p, TypeLoadModel, loadModelPayload{Path: b.modelPath})
		})
	case TypeLoaded:
		b.mu.Lock()
		if b.peer == p {
			b.err = nil
			b.setReadyLocked(true)
		}
		b.mu.Unlock()
		slog.Info("avatar: model loaded", "path", b.modelPath)
	case TypeError:
		msg := env.errorText()
		b.mu.Lock()
		if b.peer == p {
			b.err = errors.New(msg)
			b.setReadyLocked(false)
		}
		b.mu.Unlock()
		slog.Warn("avatar: renderer error", "message", msg)
	default:
		slog.Debug("avatar: ignoring renderer frame", "type", env.Type)
	}
}

// setReadyLocked must be called with b.mu held.
func (b *Bridge) setReadyLocked(ready bool) {
	if b.ready == ready {
		return
	}
	b.ready = ready
	if ready {
		close(b.readyCh)
	} else {
		b.readyCh = make(chan struct{})
	}
}

// Connected reports whether a renderer is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// Ready reports whether the renderer has loaded its model.
func (b *Bridge) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Err returns the last error reported by the renderer. It is cleared by the
// next successful load.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// WaitReady blocks until a renderer has loaded its model.
func (b *Bridge) WaitReady(ctx context.Context) error {
	b.mu.Lock()
	ch := b.readyCh
	b.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Motion plays a motion group.
func (b *Bridge) Motion(group string) { b.send(TypeMotion, motionPayload{Group: group}) }

// Expression sets a facial expression.
func (b *Bridge) Expression(name string) { b.send(TypeExpression, expressionPayload{Name: name}) }

// MouthOpen sets the mouth openness in [0, 1].
func (b *Bridge) MouthOpen(value float64) { b.send(TypeMouthOpen, mouthOpenPayload{Value: value}) }

// SpeakingChanged implements [speech.Observer].
func (b *Bridge) SpeakingChanged(speaking bool) {
	if speaking {
		b.Motion(MotionSpeaking)
		return
	}
	b.mu.Lock()
	stopped := b.stopLipSyncLocked()
	b.mu.Unlock()
	if stopped {
		b.MouthOpen(0)
	}
	b.Motion(MotionIdle)
}

// UtteranceStarted implements [speech.Observer]. It animates the mouth for
// each vowel in text and cancels any animation still running.
func (b *Bridge) UtteranceStarted(text string) {
	shapes := MouthShapes(text)

	b.mu.Lock()
	b.stopLipSyncLocked()
	if b.closed {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.lipCancel = cancel
	b.mu.Unlock()

	go b.lipSync(ctx, shapes)
}

func (b *Bridge) lipSync(ctx context.Context, shapes []float64) {
	ticker := time.NewTicker(b.lipInterval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if i >= len(shapes) {
			b.MouthOpen(0)
			return
		}
		b.MouthOpen(shapes[i])
	}
}

// stopLipSyncLocked must be called with b.mu held.
func (b *Bridge) stopLipSyncLocked() bool {
	if b.lipCancel == nil {
		return false
	}
	b.lipCancel()
	b.lipCancel = nil
	return true
}

// Close disconnects the renderer and stops any animation.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.stopLipSyncLocked()
	if b.peer != nil {
		b.peer.cancel()
		b.peer.conn.Close(websocket.StatusGoingAway, "shutting down")
		b.peer = nil
	}
	return nil
}

func (b *Bridge) send(typ string, payload any) {
	b.mu.Lock()
	p := b.peer
	b.mu.Unlock()
	if p == nil {
		slog.Debug("avatar: no renderer, dropping frame", "type", typ)
		return
	}
	b.sendTo(p, typ, payload)
}

// sendTo queues a frame for p without blocking.
func (b *Bridge) sendTo(p *peer, typ string, payload any) {
	data, err := json.Marshal(outbound{Type: typ, Payload: payload})
	if err != nil {
		slog.Error("avatar: marshal frame", "type", typ, "err", err)
		return
	}
	if p.ctx.Err() != nil {
		return
	}
	select {
	case p.out <- data:
	default:
		slog.Debug("avatar: renderer send buffer full, dropping frame", "type", typ)
	}
}
