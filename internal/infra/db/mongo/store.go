package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
)

// Mongo error codes that mean the connection's credentials are not accepted.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// clockField holds the time of the last commit on a chat. Every commit moves
// it forward on the database clock, so timestamps never come from the writer.
const clockField = "commitClock"

// advanceClock sets the chat clock to $$NOW, or one millisecond past its
// previous value when the database clock has not moved on. Two commits on the
// same chat write-conflict on this field, so the values strictly increase.
var advanceClock = mongo.Pipeline{
	{{Key: "$set", Value: bson.M{clockField: bson.M{"$max": bson.A{
		"$$NOW",
		bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + clockField, time.Unix(0, 0).UTC()}}, 1}},
	}}}}},
}

// Store keeps chats and messages in MongoDB. Batches commit inside a session
// transaction; live queries ride on change streams.
type Store struct {
	db       *mongo.Database
	chats    *mongo.Collection
	messages *mongo.Collection
	logger   *slog.Logger
}

func NewStore(db *mongo.Database, logger *slog.Logger) *Store {
	return &Store{
		db:       db,
		chats:    db.Collection(chatsCollection),
		messages: db.Collection(messagesCollection),
		logger:   logger,
	}
}

func (s *Store) GetChat(ctx context.Context, id string) (domainchat.Conversation, error) {
	var doc chatDocument
	if err := s.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domainchat.Conversation{}, fmt.Errorf("%w: chat %s", realtime.ErrNotFound, id)
		}
		return domainchat.Conversation{}, classify(err)
	}
	return doc.toDomain(), nil
}

// CreateChat upserts on the unique _id with fields that only apply to a new
// record, so an existing conversation is returned untouched. createdAt comes
// from the database clock.
func (s *Store) CreateChat(ctx context.Context, c domainchat.Conversation) (domainchat.Conversation, bool, error) {
	if c.ID == "" {
		return domainchat.Conversation{}, false, fmt.Errorf("%w: chat id is empty", realtime.ErrInvalidOp)
	}
	c = c.Clone()
	c.LastMessage = nil
	c.LastMessageAt = nil
	for _, id := range []string{c.PosterID, c.RespondentID} {
		if _, ok := c.UnreadCount[id]; !ok {
			c.UnreadCount[id] = 0
		}
	}
	set, err := insertOnlyFields(newChatDocument(c))
	if err != nil {
		return domainchat.Conversation{}, false, err
	}
	created := false
	res, err := s.chats.UpdateOne(ctx, bson.M{"_id": c.ID}, mongo.Pipeline{{{Key: "$set", Value: set}}}, options.Update().SetUpsert(true))
	switch {
	case err == nil:
		created = res.UpsertedCount == 1
	case mongo.IsDuplicateKeyError(err):
		// a concurrent upsert created it first
	default:
		return domainchat.Conversation{}, false, classify(err)
	}
	stored, err := s.GetChat(ctx, c.ID)
	if err != nil {
		return domainchat.Conversation{}, false, err
	}
	return stored, created, nil
}

// insertOnlyFields turns doc into pipeline $set expressions that keep any
// value already stored. Values are wrapped in $literal so that user text
// starting with "$" is not read as a field path.
func insertOnlyFields(doc chatDocument) (bson.D, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var fields bson.D
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	set := make(bson.D, 0, len(fields)+1)
	for _, f := range fields {
		switch f.Key {
		case "_id":
			continue
		case "createdAt":
			f.Value = "$$NOW"
		default:
			f.Value = bson.M{"$literal": f.Value}
		}
		set = append(set, bson.E{Key: f.Key, Value: bson.M{"$ifNull": bson.A{"$" + f.Key, f.Value}}})
	}
	set = append(set, bson.E{Key: clockField, Value: bson.M{"$ifNull": bson.A{"$" + clockField, "$$NOW"}}})
	return set, nil
}

func (s *Store) Commit(ctx context.Context, b *realtime.Batch) (realtime.CommitResult, error) {
	if b.Empty() {
		return realtime.CommitResult{}, realtime.ErrEmptyBatch
	}
	ops := b.Ops()
	session, err := s.db.Client().StartSession()
	if err != nil {
		return realtime.CommitResult{}, classify(err)
	}
	defer session.EndSession(ctx)

	txnOpts := options.Transaction().SetReadConcern(s.db.ReadConcern()).SetWriteConcern(s.db.WriteConcern())
	out, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return s.apply(sc, ops)
	}, txnOpts)
	if err != nil {
		if errors.Is(err, realtime.ErrNotFound) || errors.Is(err, realtime.ErrInvalidOp) {
			return realtime.CommitResult{}, err
		}
		return realtime.CommitResult{}, classify(err)
	}
	res, _ := out.(realtime.CommitResult)
	return res, nil
}

// apply runs inside the transaction and may be retried by the driver, so it
// keeps no state outside its own result.
func (s *Store) apply(ctx mongo.SessionContext, ops []realtime.Op) (realtime.CommitResult, error) {
	at, err := s.tick(ctx, ops)
	if err != nil {
		return realtime.CommitResult{}, err
	}
	res := realtime.CommitResult{CommittedAt: at}
	for _, op := range ops {
		switch op.Kind {
		case realtime.OpInsertMessage:
			if op.Message.ConversationID != op.ConversationID || op.Message.SenderID == "" {
				return realtime.CommitResult{}, fmt.Errorf("%w: %s", realtime.ErrInvalidOp, op.Kind)
			}
			id := primitive.NewObjectID().Hex()
			if _, err := s.messages.InsertOne(ctx, newMessageDocument(id, op.Message, at)); err != nil {
				return realtime.CommitResult{}, err
			}
			res.MessageIDs = append(res.MessageIDs, id)
		case realtime.OpUpdatePreview:
			update := bson.M{"$set": bson.M{"lastMessage": op.Preview, "lastMessageTime": at}}
			if op.IncrementFor != "" {
				update["$inc"] = bson.M{unreadField(op.IncrementFor): 1}
			}
			if err := s.updateChat(ctx, op.ConversationID, update); err != nil {
				return realtime.CommitResult{}, err
			}
		case realtime.OpMarkRead:
			if op.Reader == "" {
				return realtime.CommitResult{}, fmt.Errorf("%w: %s without reader", realtime.ErrInvalidOp, op.Kind)
			}
			flipped, err := s.messages.UpdateMany(ctx,
				bson.M{"chatId": op.ConversationID, "senderId": bson.M{"$ne": op.Reader}, "read": false},
				bson.M{"$set": bson.M{"read": true}},
			)
			if err != nil {
				return realtime.CommitResult{}, err
			}
			res.MessagesRead += int(flipped.ModifiedCount)
			if err := s.updateChat(ctx, op.ConversationID, bson.M{"$set": bson.M{unreadField(op.Reader): 0}}); err != nil {
				return realtime.CommitResult{}, err
			}
		default:
			return realtime.CommitResult{}, fmt.Errorf("%w: kind %d", realtime.ErrInvalidOp, op.Kind)
		}
	}
	return res, nil
}

// tick advances the clock of every chat the batch touches and returns the
// commit time: the latest of those clocks. A missing chat fails the batch.
func (s *Store) tick(ctx context.Context, ops []realtime.Op) (time.Time, error) {
	var (
		at  time.Time
		ids []string
	)
	seen := make(map[string]struct{}, len(ops))
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{clockField: 1})
	for _, op := range ops {
		if _, ok := seen[op.ConversationID]; ok {
			continue
		}
		seen[op.ConversationID] = struct{}{}
		var doc struct {
			Clock time.Time `bson:"commitClock"`
		}
		err := s.chats.FindOneAndUpdate(ctx, bson.M{"_id": op.ConversationID}, advanceClock, opts).Decode(&doc)
		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return time.Time{}, fmt.Errorf("%w: chat %s", realtime.ErrNotFound, op.ConversationID)
			}
			return time.Time{}, err
		}
		if doc.Clock.After(at) {
			at = doc.Clock
		}
		ids = append(ids, op.ConversationID)
	}
	if len(ids) > 1 {
		if _, err := s.chats.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{"$max": bson.M{clockField: at}}); err != nil {
			return time.Time{}, err
		}
	}
	return at.UTC(), nil
}

func (s *Store) updateChat(ctx context.Context, id string, update bson.M) error {
	res, err := s.chats.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: chat %s", realtime.ErrNotFound, id)
	}
	return nil
}

func (s *Store) loadMessages(ctx context.Context, conversationID string) ([]domainchat.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.messages.Find(ctx, bson.M{"chatId": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	var docs []messageDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domainchat.Message, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	domainchat.SortMessages(out)
	return out, nil
}

func (s *Store) loadChats(ctx context.Context, q realtime.ChatQuery) ([]domainchat.Conversation, error) {
	cur, err := s.chats.Find(ctx, bson.M{string(q.Field): q.UserID})
	if err != nil {
		return nil, err
	}
	var docs []chatDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domainchat.Conversation, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	// silent chats have no lastMessageTime, so the order is settled in Go
	domainchat.SortConversations(out)
	return out, nil
}

func unreadField(userID string) string {
	return "unreadCount." + userID
}

// classify turns credential rejections into status errors so that callers
// can recognise them with realtime.IsAuthError.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case codeUnauthorized:
			return realtime.PermissionDenied(cmdErr.Message)
		case codeAuthenticationFailed:
			return realtime.Unauthenticated(cmdErr.Message)
		}
	}
	return err
}

var _ realtime.Documents = (*Store)(nil)
