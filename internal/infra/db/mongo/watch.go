package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
)

func (s *Store) WatchMessages(ctx context.Context, conversationID string, l realtime.Listener[domainchat.Message]) (realtime.Subscription, error) {
	match := bson.D{{Key: "fullDocument.chatId", Value: conversationID}}
	return watch(ctx, s.messages, match, func(ctx context.Context) ([]domainchat.Message, error) {
		return s.loadMessages(ctx, conversationID)
	}, l, s.logger)
}

func (s *Store) WatchChats(ctx context.Context, q realtime.ChatQuery, l realtime.Listener[domainchat.Conversation]) (realtime.Subscription, error) {
	switch q.Field {
	case realtime.FieldPoster, realtime.FieldRespondent:
	default:
		return nil, fmt.Errorf("%w: chat query field %q", realtime.ErrInvalidOp, q.Field)
	}
	match := bson.D{{Key: "fullDocument." + string(q.Field), Value: q.UserID}}
	return watch(ctx, s.chats, match, func(ctx context.Context) ([]domainchat.Conversation, error) {
		return s.loadChats(ctx, q)
	}, l, s.logger)
}

// watch opens the change stream before the initial read so that no write
// between the two is missed. Every change re-reads the full ordered result;
// changes that arrive in a burst collapse into one read.
func watch[T any](ctx context.Context, coll *mongo.Collection, match bson.D, load func(context.Context) ([]T, error), l realtime.Listener[T], logger *slog.Logger) (realtime.Subscription, error) {
	wctx, cancel := context.WithCancel(ctx)
	pipeline := mongo.Pipeline{{{Key: "$match", Value: match}}}
	stream, err := coll.Watch(wctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, classify(err)
	}
	initial, err := load(wctx)
	if err != nil {
		_ = stream.Close(context.Background())
		cancel()
		return nil, classify(err)
	}

	sub := &streamSubscription{cancel: cancel}
	go func() {
		defer stream.Close(context.Background())
		deliver(l, initial)
		for stream.Next(wctx) {
			for stream.RemainingBatchLength() > 0 && stream.Next(wctx) {
			}
			items, err := load(wctx)
			if err != nil {
				if wctx.Err() == nil {
					fail(l, classify(err))
				}
				return
			}
			deliver(l, items)
		}
		if err := stream.Err(); err != nil && wctx.Err() == nil {
			if logger != nil {
				logger.Warn("change stream ended", "collection", coll.Name(), "error", err)
			}
			fail(l, classify(err))
		}
	}()
	return sub, nil
}

func deliver[T any](l realtime.Listener[T], items []T) {
	if l.OnSnapshot != nil {
		l.OnSnapshot(items)
	}
}

func fail[T any](l realtime.Listener[T], err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

type streamSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

// Stop cancels the stream. It does not wait for the reader goroutine.
func (s *streamSubscription) Stop() {
	s.once.Do(s.cancel)
}
