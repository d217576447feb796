package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	chatsCollection    = "chats"
	messagesCollection = "messages"
	connectTimeout     = 10 * time.Second
)

var ErrNotConfigured = errors.New("mongo: database not configured")

type Client struct {
	DB *mongo.Database
}

// New connects to uri. Transactions and change streams need a replica set.
func New(ctx context.Context, uri, database string) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	opts := options.Client().ApplyURI(uri).SetRetryWrites(true)
	m, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Client{DB: m.Database(database)}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNotConfigured
	}
	return c.DB.Client().Ping(ctx, nil)
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Client().Disconnect(ctx)
}

// EnsureIndexes creates the indexes the chat queries rely on.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNotConfigured
	}
	if _, err := c.DB.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chatId", Value: 1}, {Key: "timestamp", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := c.DB.Collection(chatsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "posterId", Value: 1}, {Key: "lastMessageTime", Value: -1}}},
		{Keys: bson.D{{Key: "respondentId", Value: 1}, {Key: "lastMessageTime", Value: -1}}},
	})
	return err
}
