package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"agrichat/internal/app/credentials"
	"agrichat/internal/app/realtime"
	chatsvc "agrichat/internal/app/services/chat"
	"agrichat/internal/infra/backend"
	mongostore "agrichat/internal/infra/db/mongo"
	"agrichat/internal/infra/obs"
	"agrichat/internal/infra/security"
)

var errNoSession = errors.New("agrichat: --session or AGRICHAT_SESSION is required")

type options struct {
	env            string
	backendURL     string
	session        string
	backendTimeout time.Duration
	mongoURI       string
	mongoDB        string
	chatSecret     string
	refreshMargin  time.Duration

	// connect opens the chat store; tests swap it for an in-memory one.
	connect func(ctx context.Context, o *options, logger *slog.Logger) (realtime.Documents, func(context.Context) error, error)
}

func defaultOptions() *options {
	return &options{
		env:            getenv("APP_ENV", "dev"),
		backendURL:     getenv("BACKEND_URL", "http://localhost:8080"),
		session:        os.Getenv("AGRICHAT_SESSION"),
		backendTimeout: backend.DefaultTimeout,
		mongoURI:       getenv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		mongoDB:        getenv("MONGO_DB", "agrichat"),
		chatSecret:     os.Getenv("CHAT_TOKEN_SECRET"),
		refreshMargin:  credentials.DefaultMargin,
		connect:        connectMongo,
	}
}

func (o *options) logger(w io.Writer) *slog.Logger {
	return obs.NewLoggerTo(w, o.env)
}

func (o *options) backendClient(logger *slog.Logger) (*backend.Client, error) {
	if o.session == "" {
		return nil, errNoSession
	}
	return &backend.Client{
		BaseURL: o.backendURL,
		Session: backend.StaticSession(o.session),
		Timeout: o.backendTimeout,
		Logger:  logger,
	}, nil
}

// chatSession is a signed-in chat core for one command run.
type chatSession struct {
	chats       *chatsvc.Service
	credentials *credentials.Manager
	closeStore  func(context.Context) error
}

func (o *options) open(ctx context.Context, logger *slog.Logger) (*chatSession, error) {
	client, err := o.backendClient(logger)
	if err != nil {
		return nil, err
	}
	docs, closeStore, err := o.connect(ctx, o, logger)
	if err != nil {
		return nil, err
	}
	gate := realtime.NewGate(docs, security.CustomTokenVerifier{Secret: []byte(o.chatSecret)})
	manager := &credentials.Manager{
		Source: client,
		Auth:   gate,
		Config: credentials.Config{Margin: o.refreshMargin},
		Logger: logger,
	}
	if !manager.InitializeAuth(ctx) {
		_ = closeStore(ctx)
		return nil, errors.New("agrichat: cannot initialize chat, check the session and backend")
	}
	return &chatSession{
		chats: &chatsvc.Service{
			Store:       gate,
			Credentials: manager,
			Logger:      logger,
		},
		credentials: manager,
		closeStore:  closeStore,
	}, nil
}

func (s *chatSession) Close(ctx context.Context) error {
	err := s.credentials.Close(ctx)
	if cerr := s.closeStore(ctx); err == nil {
		err = cerr
	}
	return err
}

func connectMongo(ctx context.Context, o *options, logger *slog.Logger) (realtime.Documents, func(context.Context) error, error) {
	if o.chatSecret == "" {
		return nil, nil, errors.New("agrichat: --chat-secret or CHAT_TOKEN_SECRET is required")
	}
	client, err := mongostore.New(ctx, o.mongoURI, o.mongoDB)
	if err != nil {
		return nil, nil, fmt.Errorf("agrichat: connect mongo: %w", err)
	}
	return mongostore.NewStore(client.DB, logger), client.Close, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
