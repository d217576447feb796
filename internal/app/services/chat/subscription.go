package chat

import (
	"context"
	"sync"
	"sync/atomic"

	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
)

// Unsubscribe stops a live subscription. Calling it more than once is safe.
type Unsubscribe func()

type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	onError func(error)
}

// WithErrorHandler receives the error that terminated a subscription.
func WithErrorHandler(fn func(error)) SubscribeOption {
	return func(o *subscribeOptions) {
		o.onError = fn
	}
}

func collectOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// SubscribeToMessages streams the messages of a conversation, oldest first.
// onUpdate always receives the complete ordered list.
func (s *Service) SubscribeToMessages(ctx context.Context, conversationID string, onUpdate func([]domainchat.Message), opts ...SubscribeOption) (Unsubscribe, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	if onUpdate == nil {
		return nil, ErrNilCallback
	}
	key, err := domainchat.ParseConversationID(conversationID)
	if err != nil {
		return nil, err
	}
	o := collectOptions(opts)
	id := key.ConversationID()

	var stopped atomic.Bool
	sub, err := s.Store.WatchMessages(ctx, id, realtime.Listener[domainchat.Message]{
		OnSnapshot: func(items []domainchat.Message) {
			if stopped.Load() {
				return
			}
			onUpdate(items)
		},
		OnError: func(err error) {
			s.streamFailed(ctx, "messages", id, err, o.onError)
		},
	})
	if err != nil {
		return nil, s.storeError(err, id)
	}
	return once(func() {
		stopped.Store(true)
		sub.Stop()
	}), nil
}

// SubscribeToChats streams every conversation userID takes part in, on
// either side, most recent activity first.
func (s *Service) SubscribeToChats(ctx context.Context, userID string, onUpdate func([]domainchat.Conversation), opts ...SubscribeOption) (Unsubscribe, error) {
	if err := s.ensureDependencies(); err != nil {
		return nil, err
	}
	if onUpdate == nil {
		return nil, ErrNilCallback
	}
	user, err := domainchat.CanonicalParticipantID(userID)
	if err != nil {
		return nil, err
	}
	o := collectOptions(opts)

	var stopped atomic.Bool
	var failOnce sync.Once
	merge := newInboxMerge(func(items []domainchat.Conversation) {
		if !stopped.Load() {
			onUpdate(items)
		}
	})

	var subs []realtime.Subscription
	stopAll := func() {
		stopped.Store(true)
		for _, sub := range subs {
			sub.Stop()
		}
	}
	var subsMu sync.Mutex
	fail := func(err error) {
		failOnce.Do(func() {
			subsMu.Lock()
			stopAll()
			subsMu.Unlock()
			s.streamFailed(ctx, "chats", user, err, o.onError)
		})
	}

	subsMu.Lock()
	defer subsMu.Unlock()
	for side, field := range []realtime.ChatField{realtime.FieldPoster, realtime.FieldRespondent} {
		side := side
		sub, err := s.Store.WatchChats(ctx, realtime.ChatQuery{Field: field, UserID: user}, realtime.Listener[domainchat.Conversation]{
			OnSnapshot: func(items []domainchat.Conversation) { merge.update(side, items) },
			OnError:    fail,
		})
		if err != nil {
			stopAll()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return once(func() {
		subsMu.Lock()
		defer subsMu.Unlock()
		stopAll()
	}), nil
}

// streamFailed runs when the store terminated a live query. An authorization
// failure triggers one credential refresh; the subscription itself is not
// re-established.
func (s *Service) streamFailed(ctx context.Context, stream, target string, err error, onError func(error)) {
	if realtime.IsAuthError(err) && s.Credentials != nil {
		if s.Credentials.Refresh(context.WithoutCancel(ctx)) {
			s.logInfo("chat credential refreshed after stream rejection", "stream", stream, "target", target)
		} else {
			s.logWarn("chat credential refresh failed", "stream", stream, "target", target)
		}
	} else {
		s.logWarn("chat stream terminated", "stream", stream, "target", target, "error", err)
	}
	if onError != nil {
		onError(err)
	}
}

func once(fn func()) Unsubscribe {
	var o sync.Once
	return func() { o.Do(fn) }
}
