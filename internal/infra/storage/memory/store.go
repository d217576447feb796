package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agrichat/internal/app/realtime"
	"agrichat/internal/domain/chat"
)

// Store keeps chats and messages in process and fans snapshots out to
// listeners. All writes go through one mutex, so a committed batch is
// observed whole or not at all.
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	newID    func() string
	last     time.Time
	chats    map[string]chat.Conversation
	messages map[string][]chat.Message

	messageWatchers map[*watcher[chat.Message]]string
	chatWatchers    map[*watcher[chat.Conversation]]realtime.ChatQuery

	commitErr error
}

type StoreOption func(*Store)

// WithClock replaces the wall clock used for server timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		now:             time.Now,
		newID:           uuid.NewString,
		chats:           make(map[string]chat.Conversation),
		messages:        make(map[string][]chat.Message),
		messageWatchers: make(map[*watcher[chat.Message]]string),
		chatWatchers:    make(map[*watcher[chat.Conversation]]realtime.ChatQuery),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// tick returns a strictly increasing server timestamp.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// FailCommits makes every following Commit return err until it is called
// with nil.
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	s.commitErr = err
	s.mu.Unlock()
}

// FailWatchers terminates every listener with err.
func (s *Store) FailWatchers(err error) {
	s.mu.Lock()
	msgs := make([]*watcher[chat.Message], 0, len(s.messageWatchers))
	for w := range s.messageWatchers {
		msgs = append(msgs, w)
		delete(s.messageWatchers, w)
	}
	chats := make([]*watcher[chat.Conversation], 0, len(s.chatWatchers))
	for w := range s.chatWatchers {
		chats = append(chats, w)
		delete(s.chatWatchers, w)
	}
	s.mu.Unlock()

	for _, w := range msgs {
		w.terminate(err)
	}
	for _, w := range chats {
		w.terminate(err)
	}
}

func (s *Store) GetChat(ctx context.Context, id string) (chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("%w: chat %s", realtime.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *Store) CreateChat(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return chat.Conversation{}, false, err
	}
	if strings.TrimSpace(c.ID) == "" {
		return chat.Conversation{}, false, fmt.Errorf("%w: chat id is empty", realtime.ErrInvalidOp)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.chats[c.ID]; ok {
		return existing.Clone(), false, nil
	}
	stored := c.Clone()
	stored.CreatedAt = s.tick()
	stored.LastMessage = nil
	stored.LastMessageAt = nil
	for _, id := range []string{stored.PosterID, stored.RespondentID} {
		if _, ok := stored.UnreadCount[id]; !ok {
			stored.UnreadCount[id] = 0
		}
	}
	s.chats[stored.ID] = stored
	s.notifyChatsLocked(map[string]struct{}{stored.ID: {}})
	return stored.Clone(), true, nil
}

func (s *Store) Commit(ctx context.Context, b *realtime.Batch) (realtime.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return realtime.CommitResult{}, err
	}
	if b.Empty() {
		return realtime.CommitResult{}, realtime.ErrEmptyBatch
	}
	ops := b.Ops()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return realtime.CommitResult{}, s.commitErr
	}
	for _, op := range ops {
		if err := s.validateLocked(op); err != nil {
			return realtime.CommitResult{}, err
		}
	}

	at := s.tick()
	res := realtime.CommitResult{CommittedAt: at}
	touchedMessages := make(map[string]struct{})
	touchedChats := make(map[string]struct{})
	for _, op := range ops {
		switch op.Kind {
		case realtime.OpInsertMessage:
			m := op.Message
			m.ID = s.newID()
			m.CreatedAt = at
			m.Read = false
			s.messages[op.ConversationID] = append(s.messages[op.ConversationID], m)
			res.MessageIDs = append(res.MessageIDs, m.ID)
			touchedMessages[op.ConversationID] = struct{}{}
		case realtime.OpUpdatePreview:
			c := s.chats[op.ConversationID]
			text := op.Preview
			when := at
			c.LastMessage = &text
			c.LastMessageAt = &when
			if op.IncrementFor != "" {
				c.UnreadCount[op.IncrementFor]++
			}
			s.chats[op.ConversationID] = c
			touchedChats[op.ConversationID] = struct{}{}
		case realtime.OpMarkRead:
			msgs := s.messages[op.ConversationID]
			for i := range msgs {
				if msgs[i].SenderID != op.Reader && !msgs[i].Read {
					msgs[i].Read = true
					res.MessagesRead++
					touchedMessages[op.ConversationID] = struct{}{}
				}
			}
			c := s.chats[op.ConversationID]
			c.UnreadCount[op.Reader] = 0
			s.chats[op.ConversationID] = c
			touchedChats[op.ConversationID] = struct{}{}
		}
	}

	for id := range touchedMessages {
		s.notifyMessagesLocked(id)
	}
	s.notifyChatsLocked(touchedChats)
	return res, nil
}

func (s *Store) validateLocked(op realtime.Op) error {
	if _, ok := s.chats[op.ConversationID]; !ok {
		return fmt.Errorf("%w: chat %s", realtime.ErrNotFound, op.ConversationID)
	}
	switch op.Kind {
	case realtime.OpInsertMessage:
		if op.Message.ConversationID != op.ConversationID || op.Message.SenderID == "" {
			return fmt.Errorf("%w: %s", realtime.ErrInvalidOp, op.Kind)
		}
	case realtime.OpUpdatePreview:
	case realtime.OpMarkRead:
		if op.Reader == "" {
			return fmt.Errorf("%w: %s without reader", realtime.ErrInvalidOp, op.Kind)
		}
	default:
		return fmt.Errorf("%w: kind %d", realtime.ErrInvalidOp, op.Kind)
	}
	return nil
}

func (s *Store) WatchMessages(ctx context.Context, conversationID string, l realtime.Listener[chat.Message]) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w := newWatcher(l)
	s.mu.Lock()
	s.messageWatchers[w] = conversationID
	w.push(s.messagesSnapshotLocked(conversationID))
	s.mu.Unlock()

	sub := &subscription{stop: func() {
		s.mu.Lock()
		delete(s.messageWatchers, w)
		s.mu.Unlock()
		w.close()
	}}
	sub.bind(ctx)
	return sub, nil
}

func (s *Store) WatchChats(ctx context.Context, q realtime.ChatQuery, l realtime.Listener[chat.Conversation]) (realtime.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch q.Field {
	case realtime.FieldPoster, realtime.FieldRespondent:
	default:
		return nil, fmt.Errorf("%w: chat query field %q", realtime.ErrInvalidOp, q.Field)
	}
	w := newWatcher(l)
	s.mu.Lock()
	s.chatWatchers[w] = q
	w.push(s.chatsSnapshotLocked(q))
	s.mu.Unlock()

	sub := &subscription{stop: func() {
		s.mu.Lock()
		delete(s.chatWatchers, w)
		s.mu.Unlock()
		w.close()
	}}
	sub.bind(ctx)
	return sub, nil
}

func (s *Store) messagesSnapshotLocked(conversationID string) []chat.Message {
	src := s.messages[conversationID]
	out := make([]chat.Message, len(src))
	copy(out, src)
	chat.SortMessages(out)
	return out
}

func (s *Store) chatsSnapshotLocked(q realtime.ChatQuery) []chat.Conversation {
	out := make([]chat.Conversation, 0)
	for _, c := range s.chats {
		if q.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	chat.SortConversations(out)
	return out
}

func (s *Store) notifyMessagesLocked(conversationID string) {
	var snapshot []chat.Message
	for w, id := range s.messageWatchers {
		if id != conversationID {
			continue
		}
		if snapshot == nil {
			snapshot = s.messagesSnapshotLocked(conversationID)
		}
		items := make([]chat.Message, len(snapshot))
		copy(items, snapshot)
		w.push(items)
	}
}

func (s *Store) notifyChatsLocked(touched map[string]struct{}) {
	if len(touched) == 0 {
		return
	}
	for w, q := range s.chatWatchers {
		for id := range touched {
			if q.Matches(s.chats[id]) {
				w.push(s.chatsSnapshotLocked(q))
				break
			}
		}
	}
}

type subscription struct {
	once sync.Once
	stop func()
}

func (s *subscription) Stop() {
	s.once.Do(s.stop)
}

func (s *subscription) bind(ctx context.Context) {
	if ctx.Done() == nil {
		return
	}
	context.AfterFunc(ctx, s.Stop)
}

// watcher delivers snapshots on its own goroutine. Only the newest pending
// snapshot is kept: every snapshot is complete, so older ones carry nothing
// the newest lacks.
type watcher[T any] struct {
	listener realtime.Listener[T]

	mu      sync.Mutex
	pending []T
	has     bool
	failure error
	closed  bool

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newWatcher[T any](l realtime.Listener[T]) *watcher[T] {
	w := &watcher[T]{
		listener: l,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *watcher[T]) push(items []T) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = items
	w.has = true
	w.mu.Unlock()
	w.signal()
}

func (w *watcher[T]) terminate(err error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.failure = err
	w.pending = nil
	w.has = false
	w.mu.Unlock()
	w.signal()
}

func (w *watcher[T]) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher[T]) close() {
	w.mu.Lock()
	w.closed = true
	w.pending = nil
	w.has = false
	w.mu.Unlock()
	w.once.Do(func() { close(w.quit) })
}

func (w *watcher[T]) run() {
	for {
		select {
		case <-w.quit:
			return
		case <-w.wake:
		}
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		if w.failure != nil {
			err := w.failure
			w.closed = true
			w.mu.Unlock()
			if w.listener.OnError != nil {
				w.listener.OnError(err)
			}
			return
		}
		if !w.has {
			w.mu.Unlock()
			continue
		}
		items := w.pending
		w.pending = nil
		w.has = false
		w.mu.Unlock()
		if w.listener.OnSnapshot != nil {
			w.listener.OnSnapshot(items)
		}
	}
}

var _ realtime.Documents = (*Store)(nil)
