// Package conversation holds the chat sessions and the messages of the active
// session, and persists them through a [memory.StateStore].
//
// Every mutation runs under one mutex. After each mutation subscribers
// receive a deep copy of the new [State], in mutation order, and a background
// saver is nudged to write the persisted subset. Saves coalesce: a burst of
// streaming updates results in one or two writes, not one per sentence.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/hiyori/pkg/memory"
	"github.com/MrWong99/hiyori/pkg/types"
)

// titleRunes is how many runes of the first user message become the title.
const titleRunes = 10

// ErrNotFound reports an unknown session or message ID.
var ErrNotFound = errors.New("conversation: not found")

// State is the full observable store state.
type State struct {
	Sessions        []types.Session `json:"sessions"`
	ActiveSessionID string          `json:"activeSessionId"`

	// ActiveMessages mirrors the active session's messages.
	ActiveMessages []types.Message `json:"messages"`

	// IsLoading is true while a reply is being produced. It is never
	// persisted.
	IsLoading bool `json:"isLoading"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	snap := types.Snapshot{Sessions: s.Sessions}.Clone()
	out := State{
		Sessions:        snap.Sessions,
		ActiveSessionID: s.ActiveSessionID,
		IsLoading:       s.IsLoading,
	}
	if s.ActiveMessages != nil {
		out.ActiveMessages = append([]types.Message(nil), s.ActiveMessages...)
	}
	return out
}

// Option configures a [Store].
type Option func(*Store)

// WithPersister enables persistence. Without it the store is memory-only.
func WithPersister(p memory.StateStore) Option {
	return func(s *Store) { s.persister = p }
}

// WithKey overrides the record key. Defaults to [memory.DefaultKey].
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger overrides the logger used for save failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store is the conversation state container. All methods are safe for
// concurrent use.
type Store struct {
	persister memory.StateStore
	key       string
	now       func() time.Time
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	lastSession int64 // ms of the newest generated session ID
	subs        map[int]func(State)
	nextSub     int
	saveErr     error
	unsaved     bool
	closed      bool

	dirty   chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// New returns an empty Store and starts its saver.
func New(opts ...Option) *Store {
	s := &Store{
		key:     memory.DefaultKey,
		now:     time.Now,
		log:     slog.Default(),
		subs:    make(map[int]func(State)),
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Sessions = []types.Session{}
	s.state.ActiveMessages = []types.Message{}
	go s.saveLoop()
	return s
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// State returns a deep copy of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// ActiveMessages returns a copy of the active session's messages.
func (s *Store) ActiveMessages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.state.ActiveMessages...)
}

// ActiveSessionID returns the active session ID, or "" before the first
// session exists.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ActiveSessionID
}

// Sessions returns a deep copy of all sessions, most recent first.
func (s *Store) Sessions() []types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.Snapshot{Sessions: s.state.Sessions}.Clone().Sessions
}

// Session returns a deep copy of the session with id.
func (s *Store) Session(id string) (types.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.state.Sessions[i].Clone(), true
	}
	return types.Session{}, false
}

// IsLoading reports whether a reply is in progress.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsLoading
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession prepends an empty session, activates it and returns its ID.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.createLocked()
	s.state.IsLoading = false
	s.changedLocked(true)
	return id
}

// ClearMessages starts a fresh session; old sessions are kept.
func (s *Store) ClearMessages() string { return s.CreateSession() }

// SwitchSession activates the session with id. It reports false, changing
// nothing, when id is unknown.
func (s *Store) SwitchSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.state.ActiveSessionID = id
	s.mirrorLocked()
	s.state.IsLoading = false
	s.changedLocked(true)
	return true
}

// DeleteSession removes the session with id. Deleting the active session
// activates the next most recent one, or a fresh session when none is left.
func (s *Store) DeleteSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.state.Sessions = append(s.state.Sessions[:i], s.state.Sessions[i+1:]...)
	if s.state.ActiveSessionID == id {
		if len(s.state.Sessions) > 0 {
			s.state.ActiveSessionID = s.state.Sessions[0].ID
			s.mirrorLocked()
		} else {
			s.createLocked()
		}
	}
	s.changedLocked(true)
	return true
}

// UpdateSessionTitle renames the session with id.
func (s *Store) UpdateSessionTitle(id, title string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.state.Sessions[i].Title = title
	s.changedLocked(true)
	return true
}

// ─── Messages ────────────────────────────────────────────────────────────────

// AppendMessage adds a message to the active session, creating one first if
// needed, and returns the new message ID. The first user message of an empty
// session titles it.
func (s *Store) AppendMessage(role types.Role, content string, streaming bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(s.state.ActiveSessionID) < 0 {
		s.createLocked()
	}
	i := s.indexLocked(s.state.ActiveSessionID)
	now := s.now()
	msg := types.Message{
		ID:          s.messageID(now),
		Role:        role,
		Content:     content,
		CreatedAt:   now,
		IsStreaming: streaming,
	}

	sess := &s.state.Sessions[i]
	if len(sess.Messages) == 0 && role == types.RoleUser {
		sess.Title = titleFrom(content)
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = now
	s.mirrorLocked()
	s.changedLocked(true)
	return msg.ID
}

// UpdateMessageContent replaces the content of message id in its owning
// session, which need not be the active one. Unknown IDs are ignored.
func (s *Store) UpdateMessageContent(id, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, m := s.messageLocked(id)
	if m == nil {
		return false
	}
	m.Content = content
	s.state.Sessions[i].UpdatedAt = s.now()
	s.remirrorLocked(i)
	s.changedLocked(true)
	return true
}

// SetMessageStreaming sets the streaming flag of message id in its owning
// session. The session's UpdatedAt is left alone.
func (s *Store) SetMessageStreaming(id string, streaming bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, m := s.messageLocked(id)
	if m == nil {
		return false
	}
	m.IsStreaming = streaming
	s.remirrorLocked(i)
	s.changedLocked(true)
	return true
}

// SetLoading sets the transient loading flag.
func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsLoading == loading {
		return
	}
	s.state.IsLoading = loading
	s.changedLocked(false)
}

// TryStartLoading sets the loading flag unless it is already set. It reports
// whether the caller now owns the reply.
func (s *Store) TryStartLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsLoading {
		return false
	}
	s.state.IsLoading = true
	s.changedLocked(false)
	return true
}

// ─── Subscribers ─────────────────────────────────────────────────────────────

// Subscribe registers fn to receive the state after every mutation. fn runs
// with the store locked: it must return quickly and must not call the store.
// The returned function unsubscribes.
func (s *Store) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// ─── Persistence ─────────────────────────────────────────────────────────────

// Load replaces the state with the persisted snapshot. Messages that were
// streaming when the snapshot was written are marked finished. A missing
// snapshot leaves the store empty.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	snap, found, err := s.persister.Load(ctx, s.key)
	if err != nil {
		return fmt.Errorf("conversation: load %q: %w", s.key, err)
	}
	if !found {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap = snap.Clone()
	if snap.Sessions == nil {
		snap.Sessions = []types.Session{}
	}
	for i := range snap.Sessions {
		if snap.Sessions[i].Messages == nil {
			snap.Sessions[i].Messages = []types.Message{}
		}
		for j := range snap.Sessions[i].Messages {
			snap.Sessions[i].Messages[j].IsStreaming = false
		}
	}
	s.state = State{Sessions: snap.Sessions, ActiveSessionID: snap.ActiveSessionID}
	if s.indexLocked(s.state.ActiveSessionID) < 0 {
		s.state.ActiveSessionID = ""
	}
	s.mirrorLocked()
	s.changedLocked(false)
	return nil
}

// SaveErr returns the error of the most recent save, or nil.
func (s *Store) SaveErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

// Flush writes the current snapshot synchronously.
func (s *Store) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.unsaved = false
	s.mu.Unlock()

	err := s.persister.Save(ctx, s.key, snap)
	s.mu.Lock()
	s.saveErr = err
	if err != nil {
		s.unsaved = true
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("conversation: save %q: %w", s.key, err)
	}
	return nil
}

// Close stops the saver and writes any pending change. It does not close the
// persister. A store that was never changed writes nothing.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	<-s.stopped

	s.mu.Lock()
	pending := s.unsaved
	s.mu.Unlock()
	if !pending {
		return nil
	}
	return s.Flush(ctx)
}

func (s *Store) saveLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.dirty:
			if err := s.Flush(context.Background()); err != nil {
				s.log.Warn("conversation: background save failed", "key", s.key, "err", err)
			}
		}
	}
}

// ─── Internals (s.mu held) ───────────────────────────────────────────────────

func (s *Store) createLocked() string {
	now := s.now()
	ms := now.UnixMilli()
	if ms <= s.lastSession {
		ms = s.lastSession + 1
	}
	s.lastSession = ms
	sess := types.Session{
		ID:        fmt.Sprintf("sess_%d", ms),
		Title:     types.DefaultSessionTitle,
		Messages:  []types.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.state.Sessions = append([]types.Session{sess}, s.state.Sessions...)
	s.state.ActiveSessionID = sess.ID
	s.state.ActiveMessages = []types.Message{}
	return sess.ID
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.state.Sessions {
		if s.state.Sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// messageLocked finds message id in any session and returns the index of
// the session that owns it.
func (s *Store) messageLocked(id string) (int, *types.Message) {
	for i := range s.state.Sessions {
		msgs := s.state.Sessions[i].Messages
		for j := range msgs {
			if msgs[j].ID == id {
				return i, &msgs[j]
			}
		}
	}
	return -1, nil
}

// remirrorLocked refreshes the active view when session i is the active one.
func (s *Store) remirrorLocked(i int) {
	if s.state.Sessions[i].ID == s.state.ActiveSessionID {
		s.mirrorLocked()
	}
}

// mirrorLocked copies the active session's messages into the active view.
func (s *Store) mirrorLocked() {
	i := s.indexLocked(s.state.ActiveSessionID)
	if i < 0 {
		s.state.ActiveMessages = []types.Message{}
		return
	}
	s.state.ActiveMessages = append([]types.Message{}, s.state.Sessions[i].Messages...)
}

func (s *Store) snapshotLocked() types.Snapshot {
	return types.Snapshot{
		Sessions:        s.state.Sessions,
		ActiveSessionID: s.state.ActiveSessionID,
	}.Clone()
}

// changedLocked notifies subscribers and, when persist is set, wakes the
// saver.
func (s *Store) changedLocked(persist bool) {
	if len(s.subs) > 0 {
		st := s.state.Clone()
		for _, fn := range s.subs {
			fn(st.Clone())
		}
	}
	if persist && s.persister != nil && !s.closed {
		s.unsaved = true
		select {
		case s.dirty <- struct{}{}:
		default:
		}
	}
}

func (s *Store) messageID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:7]
	return fmt.Sprintf("msg_%d_%s", now.UnixMilli(), suffix)
}

// titleFrom returns the first titleRunes runes of content, or the default
// title when content is empty.
func titleFrom(content string) string {
	if content == "" {
		return types.DefaultSessionTitle
	}
	if utf8.RuneCountInString(content) <= titleRunes {
		return content
	}
	return string([]rune(content)[:titleRunes])
}
