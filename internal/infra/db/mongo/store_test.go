package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
)

func toBSON(t *testing.T, v any) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var d bson.D
	require.NoError(t, bson.Unmarshal(raw, &d))
	return d
}

func sampleChat(t *testing.T) domainchat.Conversation {
	t.Helper()
	key, err := domainchat.NewKey("7", "12", 42)
	require.NoError(t, err)
	c := domainchat.NewConversation(key, "Asha", "Ravi", "Wheat harvest")
	c.CreatedAt = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return c
}

func TestChatDocumentRoundTrip(t *testing.T) {
	c := sampleChat(t)
	text := "Hello"
	at := c.CreatedAt.Add(time.Minute)
	c.LastMessage = &text
	c.LastMessageAt = &at
	c.UnreadCount["12"] = 1

	var doc chatDocument
	raw, err := bson.Marshal(newChatDocument(c))
	require.NoError(t, err)
	require.NoError(t, bson.Unmarshal(raw, &doc))

	assert.Equal(t, c, doc.toDomain())
}

func TestSilentChatOmitsPreviewFields(t *testing.T) {
	d := toBSON(t, newChatDocument(sampleChat(t)))
	keys := make(map[string]bool, len(d))
	for _, e := range d {
		keys[e.Key] = true
	}
	assert.True(t, keys["unreadCount"])
	assert.False(t, keys["lastMessage"])
	assert.False(t, keys["lastMessageTime"])
}

func TestMessageDocumentMapping(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 1, 0, 0, time.UTC)
	doc := newMessageDocument("65f0c0ffee", domainchat.Message{
		ConversationID: "7_12_42",
		SenderID:       "7",
		SenderName:     "Asha",
		SenderRole:     domainchat.RolePoster,
		Body:           "Hello",
		Read:           true,
	}, at)
	assert.False(t, doc.Read, "new messages always start unread")
	assert.Equal(t, "7_12_42", doc.ChatID)

	m := doc.toDomain()
	assert.Equal(t, "65f0c0ffee", m.ID)
	assert.Equal(t, at, m.CreatedAt)
	assert.Equal(t, domainchat.RolePoster, m.SenderRole)
}

func TestInsertOnlyFieldsKeepStoredValues(t *testing.T) {
	c := sampleChat(t)
	c.PosterName = "$where"
	set, err := insertOnlyFields(newChatDocument(c))
	require.NoError(t, err)

	exprs := map[string]any{}
	for _, e := range set {
		exprs[e.Key] = e.Value
	}
	assert.NotContains(t, exprs, "_id")
	assert.Equal(t, bson.M{"$ifNull": bson.A{"$createdAt", "$$NOW"}}, exprs["createdAt"])
	assert.Equal(t, bson.M{"$ifNull": bson.A{"$" + clockField, "$$NOW"}}, exprs[clockField])
	assert.Equal(t, bson.M{"$ifNull": bson.A{"$posterName", bson.M{"$literal": "$where"}}}, exprs["posterName"])
	assert.NotContains(t, exprs, "lastMessage")
}

func TestUnreadField(t *testing.T) {
	assert.Equal(t, "unreadCount.12", unreadField("12"))
}

func TestClassifyAuthErrors(t *testing.T) {
	assert.True(t, realtime.IsAuthError(classify(mongo.CommandError{Code: 13, Message: "not authorized"})))
	assert.True(t, realtime.IsAuthError(classify(mongo.CommandError{Code: 18, Message: "auth failed"})))
	assert.False(t, realtime.IsAuthError(classify(mongo.CommandError{Code: 11600, Message: "interrupted"})))
	assert.NoError(t, classify(nil))
}

func TestStoreAgainstMockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("get chat", func(mt *mtest.T) {
		c := sampleChat(mt.T)
		ns := mt.DB.Name() + "." + chatsCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toBSON(mt.T, newChatDocument(c))))

		got, err := NewStore(mt.DB, nil).GetChat(context.Background(), c.ID)
		require.NoError(mt, err)
		assert.Equal(mt, c, got)
	})

	mt.Run("get missing chat", func(mt *mtest.T) {
		ns := mt.DB.Name() + "." + chatsCollection
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := NewStore(mt.DB, nil).GetChat(context.Background(), "7_12_42")
		assert.ErrorIs(mt, err, realtime.ErrNotFound)
	})

	mt.Run("create chat", func(mt *mtest.T) {
		stored := sampleChat(mt.T)
		stored.UnreadCount = map[string]int{"7": 0, "12": 0}
		ns := mt.DB.Name() + "." + chatsCollection
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: 1},
				bson.E{Key: "nModified", Value: 0},
				bson.E{Key: "upserted", Value: bson.A{bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: stored.ID}}}},
			),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toBSON(mt.T, newChatDocument(stored))),
		)

		c := sampleChat(mt.T)
		c.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
		got, created, err := NewStore(mt.DB, nil).CreateChat(context.Background(), c)
		require.NoError(mt, err)
		assert.True(mt, created)
		assert.Equal(mt, stored.CreatedAt, got.CreatedAt, "createdAt is read back from the database")
		assert.Equal(mt, map[string]int{"7": 0, "12": 0}, got.UnreadCount)
	})

	mt.Run("create existing chat", func(mt *mtest.T) {
		existing := sampleChat(mt.T)
		existing.UnreadCount["12"] = 3
		ns := mt.DB.Name() + "." + chatsCollection
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toBSON(mt.T, newChatDocument(existing))),
		)

		got, created, err := NewStore(mt.DB, nil).CreateChat(context.Background(), sampleChat(mt.T))
		require.NoError(mt, err)
		assert.False(mt, created)
		assert.Equal(mt, 3, got.Unread("12"))
	})

	mt.Run("create races a concurrent upsert", func(mt *mtest.T) {
		existing := sampleChat(mt.T)
		ns := mt.DB.Name() + "." + chatsCollection
		mt.AddMockResponses(
			mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "E11000 duplicate key error"}),
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, toBSON(mt.T, newChatDocument(existing))),
		)

		_, created, err := NewStore(mt.DB, nil).CreateChat(context.Background(), sampleChat(mt.T))
		require.NoError(mt, err)
		assert.False(mt, created)
	})

	mt.Run("commit time comes from the chat clocks", func(mt *mtest.T) {
		first := time.Date(2024, 5, 1, 10, 0, 2, 0, time.UTC)
		second := time.Date(2024, 5, 1, 10, 0, 1, 500_000_000, time.UTC)
		mt.AddMockResponses(
			bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: bson.D{{Key: "_id", Value: "7_12_42"}, {Key: clockField, Value: first}}}},
			bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: bson.D{{Key: "_id", Value: "7_12_43"}, {Key: clockField, Value: second}}}},
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 2}, bson.E{Key: "nModified", Value: 1}),
		)

		at, err := NewStore(mt.DB, nil).tick(context.Background(), []realtime.Op{
			{Kind: realtime.OpUpdatePreview, ConversationID: "7_12_42"},
			{Kind: realtime.OpMarkRead, ConversationID: "7_12_42", Reader: "12"},
			{Kind: realtime.OpUpdatePreview, ConversationID: "7_12_43"},
		})
		require.NoError(mt, err)
		assert.Equal(mt, first, at)

		started := mt.GetAllStartedEvents()
		require.Len(mt, started, 3)
		assert.Equal(mt, "findAndModify", started[0].CommandName)
		assert.Equal(mt, "update", started[2].CommandName)
	})

	mt.Run("commit on a missing chat", func(mt *mtest.T) {
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: nil}})

		_, err := NewStore(mt.DB, nil).tick(context.Background(), []realtime.Op{
			{Kind: realtime.OpUpdatePreview, ConversationID: "7_12_42"},
		})
		assert.ErrorIs(mt, err, realtime.ErrNotFound)
	})

	mt.Run("empty batch", func(mt *mtest.T) {
		_, err := NewStore(mt.DB, nil).Commit(context.Background(), realtime.NewBatch())
		assert.ErrorIs(mt, err, realtime.ErrEmptyBatch)
	})
}
