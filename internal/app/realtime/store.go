package realtime

import (
	"context"
	"time"

	"agrichat/internal/domain/chat"
)

// Principal is the identity a custom token resolved to.
type Principal struct {
	UID       string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Authenticator is the custom-token sign-in surface of the store.
type Authenticator interface {
	SignInWithCustomToken(ctx context.Context, token string) (Principal, error)
	SignOut(ctx context.Context) error
	CurrentPrincipal() (Principal, bool)
}

// TokenVerifier validates a custom token before a session is opened.
type TokenVerifier interface {
	VerifyCustomToken(token string) (Principal, error)
}

// Listener receives full snapshots of a live query. OnError is invoked at most
// once; the subscription is dead afterwards.
type Listener[T any] struct {
	OnSnapshot func([]T)
	OnError    func(error)
}

func (l Listener[T]) snapshot(items []T) {
	if l.OnSnapshot != nil {
		l.OnSnapshot(items)
	}
}

func (l Listener[T]) fail(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// Subscription is a standing live query. Stop is idempotent and does not wait
// for a callback that is already running.
type Subscription interface {
	Stop()
}

// ChatField selects which participant slot a chat query filters on.
type ChatField string

const (
	FieldPoster     ChatField = "posterId"
	FieldRespondent ChatField = "respondentId"
)

// ChatQuery matches conversations where Field equals UserID.
type ChatQuery struct {
	Field  ChatField
	UserID string
}

func (q ChatQuery) Matches(c chat.Conversation) bool {
	switch q.Field {
	case FieldPoster:
		return c.PosterID == q.UserID
	case FieldRespondent:
		return c.RespondentID == q.UserID
	default:
		return false
	}
}

// Documents is the data surface of the real-time store: the chats and
// messages collections.
type Documents interface {
	// GetChat loads one conversation or returns ErrNotFound.
	GetChat(ctx context.Context, id string) (chat.Conversation, error)
	// CreateChat inserts c unless a record with the same id exists. The stored
	// record is returned in both cases; created reports which happened.
	CreateChat(ctx context.Context, c chat.Conversation) (stored chat.Conversation, created bool, err error)
	// Commit applies every operation of b atomically or none of them.
	Commit(ctx context.Context, b *Batch) (CommitResult, error)
	// WatchMessages streams the messages of a conversation, oldest first.
	WatchMessages(ctx context.Context, conversationID string, l Listener[chat.Message]) (Subscription, error)
	// WatchChats streams the conversations matching q, most recent activity first.
	WatchChats(ctx context.Context, q ChatQuery, l Listener[chat.Conversation]) (Subscription, error)
}

// Store is a signed-in view of Documents.
type Store interface {
	Authenticator
	Documents
}
