// Package delivery keeps an ordered, live view of the global chat for one
// connected client. A session loads a recent page, follows the change feed
// and re-fetches after every transport loss to fill gaps.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pixelarcade/chat/internal/feed"
	"github.com/pixelarcade/chat/internal/models"
	"go.uber.org/zap"
)

type State int32

const (
	StateLoading State = iota
	StateSynced
	StateReceiving
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	case StateReceiving:
		return "receiving"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Entry is a rendered message. Deleted messages never carry their content.
type Entry struct {
	ID         uuid.UUID     `json:"id"`
	AuthorID   uuid.UUID     `json:"author_id"`
	AuthorName string        `json:"author_name"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"created_at"`
	IsDeleted  bool          `json:"is_deleted"`
	ReplyToID  *uuid.UUID    `json:"reply_to_id,omitempty"`
	Reply      *ReplyPreview `json:"reply,omitempty"`
}

// Update is pushed to OnChange. A snapshot replaces the whole view; otherwise
// Entries are upserts keyed by id.
type Update struct {
	Snapshot bool    `json:"snapshot"`
	Entries  []Entry `json:"entries"`
	// ScrollToLatest is set when an insert became the newest entry.
	ScrollToLatest bool `json:"scroll_to_latest"`
}

type Config struct {
	PageSize     int
	MaxBuffered  int
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.MaxBuffered < c.PageSize {
		c.MaxBuffered = c.PageSize * 4
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 250 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 10 * time.Second
	}
	return c
}

type Session struct {
	source     Source
	subscriber feed.Subscriber
	cache      *MetadataCache
	cfg        Config
	onChange   func(Update)
	onState    func(State)
	logger     *zap.Logger

	mu       sync.RWMutex
	state    State
	messages []models.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session. The cache is owned by the session from here
// on and is reset on Close.
func NewSession(
	source Source,
	subscriber feed.Subscriber,
	cache *MetadataCache,
	cfg Config,
	onChange func(Update),
	logger *zap.Logger,
) *Session {
	if onChange == nil {
		onChange = func(Update) {}
	}
	return &Session{
		source:     source,
		subscriber: subscriber,
		cache:      cache,
		cfg:        cfg.withDefaults(),
		onChange:   onChange,
		logger:     logger.Named("delivery"),
		state:      StateLoading,
		done:       make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == StateClosed || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	listener := s.onState
	s.mu.Unlock()

	if listener != nil {
		listener(state)
	}
}

// OnStateChange registers fn to be called on every state transition except
// the final close. It must be set before Start.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// Start subscribes, loads the most recent page and then follows the feed in
// the background until ctx ends or Close is called. Subscribing before the
// fetch means nothing written during the load is missed.
func (s *Session) Start(ctx context.Context) error {
	if s.State() != StateLoading {
		return fmt.Errorf("session already started")
	}

	sub, err := s.subscribe(ctx)
	if err != nil {
		return err
	}

	if err := s.catchUp(ctx); err != nil {
		sub.Close()
		return err
	}
	s.setState(StateSynced)
	s.onChange(Update{Snapshot: true, Entries: s.View(), ScrollToLatest: true})

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.run(runCtx, sub)
	return nil
}

// Close stops the session and discards its cache.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-s.done
	}
	s.cache.Reset()
}

func (s *Session) subscribe(ctx context.Context) (feed.Subscription, error) {
	sub, err := s.subscriber.Subscribe(ctx, feed.Filter{Table: feed.TableMessages, Type: feed.EventAny})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to change feed: %w", err)
	}
	return sub, nil
}

func (s *Session) run(ctx context.Context, sub feed.Subscription) {
	defer close(s.done)
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				sub.Close()
				sub = s.reconnect(ctx)
				if sub == nil {
					return
				}
				continue
			}
			s.apply(ctx, ev)
		}
	}
}

// reconnect re-subscribes with backoff and then re-fetches to cover events
// lost while disconnected. It returns nil once ctx is done.
func (s *Session) reconnect(ctx context.Context) feed.Subscription {
	s.setState(StateReconnecting)
	s.logger.Warn("Change feed lost, reconnecting")

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.ReconnectMin),
		backoff.WithMaxInterval(s.cfg.ReconnectMax),
		backoff.WithMaxElapsedTime(0),
	)

	var sub feed.Subscription
	operation := func() error {
		next, err := s.subscribe(ctx)
		if err != nil {
			return err
		}
		if err := s.catchUp(ctx); err != nil {
			next.Close()
			return err
		}
		sub = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("Reconnect attempt failed",
			zap.Duration("retry_in", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil
	}

	s.setState(StateSynced)
	s.logger.Info("Change feed reconnected")
	s.onChange(Update{Snapshot: true, Entries: s.View()})
	return sub
}

// catchUp fetches the recent page plus every message already in view or
// referenced by a reply, so missed inserts and missed deletions converge.
func (s *Session) catchUp(ctx context.Context) error {
	page, err := s.source.Recent(ctx, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("failed to load recent messages: %w", err)
	}

	known := make(map[uuid.UUID]struct{}, len(page))
	for _, m := range page {
		known[m.ID] = struct{}{}
	}
	inView := make(map[uuid.UUID]struct{})
	var refresh []uuid.UUID
	want := func(id uuid.UUID) {
		if _, ok := known[id]; ok {
			return
		}
		known[id] = struct{}{}
		refresh = append(refresh, id)
	}
	s.mu.RLock()
	for _, m := range s.messages {
		inView[m.ID] = struct{}{}
		want(m.ID)
		if m.ReplyToID != nil {
			want(*m.ReplyToID)
		}
	}
	s.mu.RUnlock()

	if len(refresh) > 0 {
		refreshed, err := s.source.GetByIDs(ctx, refresh)
		if err != nil {
			return fmt.Errorf("failed to refresh messages: %w", err)
		}
		for _, m := range refreshed {
			if _, ok := inView[m.ID]; ok {
				page = append(page, m)
			} else {
				s.cache.Observe(m)
			}
		}
	}

	if err := s.cache.Resolve(ctx, page); err != nil {
		s.logger.Warn("Failed to resolve metadata", zap.Error(err))
	}

	s.mu.Lock()
	for _, m := range page {
		s.upsertLocked(m)
	}
	s.trimLocked()
	s.mu.Unlock()
	return nil
}

func (s *Session) apply(ctx context.Context, ev feed.Event) {
	if ev.Table != feed.TableMessages {
		return
	}
	s.setState(StateReceiving)

	msg := ev.Message
	if err := s.cache.Resolve(ctx, []models.Message{msg}); err != nil {
		s.logger.Warn("Failed to resolve metadata",
			zap.String("message_id", msg.ID.String()),
			zap.Error(err))
	}

	s.mu.Lock()
	// Updates for messages older than the view only refresh reply previews.
	accept := ev.Type == feed.EventInsert || s.withinWindowLocked(msg)
	changed := false
	if accept {
		changed = s.upsertLocked(msg)
		s.trimLocked()
	}
	var affected []models.Message
	if changed {
		affected = append(affected, s.currentLocked(msg.ID))
	}
	if msg.IsDeleted {
		for _, m := range s.messages {
			if m.ReplyToID != nil && *m.ReplyToID == msg.ID {
				affected = append(affected, m)
			}
		}
	}
	latest := changed && ev.Type == feed.EventInsert &&
		len(s.messages) > 0 && s.messages[len(s.messages)-1].ID == msg.ID
	s.mu.Unlock()

	if len(affected) == 0 {
		return
	}
	entries := make([]Entry, len(affected))
	for i, m := range affected {
		entries[i] = s.render(m)
	}
	s.onChange(Update{Entries: entries, ScrollToLatest: latest})
}

func (s *Session) withinWindowLocked(m models.Message) bool {
	if s.find(m.ID) >= 0 {
		return true
	}
	return len(s.messages) == 0 || s.messages[0].Before(m)
}

func (s *Session) find(id uuid.UUID) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) currentLocked(id uuid.UUID) models.Message {
	return s.messages[s.find(id)]
}

// upsertLocked places m at its (created_at, id) position. A known message is
// replaced in place, except that a deleted message never comes back. It
// reports whether the view changed.
func (s *Session) upsertLocked(m models.Message) bool {
	if i := s.find(m.ID); i >= 0 {
		prev := s.messages[i]
		if prev.IsDeleted && !m.IsDeleted {
			return false
		}
		if equalMessage(prev, m) {
			return false
		}
		s.messages[i] = m
		return true
	}

	i := sort.Search(len(s.messages), func(i int) bool {
		return m.Before(s.messages[i])
	})
	s.messages = append(s.messages, models.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return true
}

func equalMessage(a, b models.Message) bool {
	if a.ID != b.ID || a.Content != b.Content || a.IsDeleted != b.IsDeleted || !a.CreatedAt.Equal(b.CreatedAt) {
		return false
	}
	if (a.ReplyToID == nil) != (b.ReplyToID == nil) {
		return false
	}
	return a.ReplyToID == nil || *a.ReplyToID == *b.ReplyToID
}

func (s *Session) trimLocked() {
	if over := len(s.messages) - s.cfg.MaxBuffered; over > 0 {
		s.messages = append([]models.Message(nil), s.messages[over:]...)
	}
}

func (s *Session) render(m models.Message) Entry {
	return Render(s.cache, m)
}

// Render turns m into an Entry using cached metadata.
func Render(cache *MetadataCache, m models.Message) Entry {
	e := Entry{
		ID:         m.ID,
		AuthorID:   m.AuthorID,
		AuthorName: cache.Name(m.AuthorID),
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
		IsDeleted:  m.IsDeleted,
		ReplyToID:  m.ReplyToID,
	}
	if m.IsDeleted {
		e.Content = models.DeletedPlaceholder
	}
	if m.ReplyToID != nil {
		e.Reply = cache.Preview(*m.ReplyToID)
	}
	return e
}

// View renders the current ordered view, oldest first.
func (s *Session) View() []Entry {
	s.mu.RLock()
	msgs := append([]models.Message(nil), s.messages...)
	s.mu.RUnlock()

	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = s.render(m)
	}
	return entries
}
