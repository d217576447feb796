package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"agrichat/internal/app/credentials"
	"agrichat/internal/app/outbox"
	"agrichat/internal/app/realtime"
	chatsvc "agrichat/internal/app/services/chat"
	domainlistings "agrichat/internal/domain/listings"
	"agrichat/internal/infra/broker/kafka"
	"agrichat/internal/infra/config"
	mongostore "agrichat/internal/infra/db/mongo"
	ginserver "agrichat/internal/infra/http/gin"
	"agrichat/internal/infra/obs"
	infraoutbox "agrichat/internal/infra/outbox"
	"agrichat/internal/infra/security"
	"agrichat/internal/infra/storage/memory"
)

const eventSource = "app://agrichat/chatd"

type application struct {
	handlers    ginserver.Handlers
	health      obs.HealthHandlers
	chats       *chatsvc.Service
	credentials *credentials.Manager
	gate        *realtime.Gate
	listings    *memory.ListingDirectory
	relay       *infraoutbox.Relay
	closers     []func(context.Context) error
}

func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	app := &application{listings: memory.NewListingDirectory()}
	checks := map[string]obs.Check{}

	var (
		docs        realtime.Documents
		mongoClient *mongostore.Client
	)
	switch cfg.StoreDriver {
	case config.StoreMongo:
		client, err := mongostore.New(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		if cfg.EnsureIndexes {
			if err := client.EnsureIndexes(ctx); err != nil {
				logger.Warn("mongo index creation failed", "error", err)
			}
		}
		checks["mongo"] = client.Ping
		mongoClient = client
		docs = mongostore.NewStore(client.DB, logger)
	default:
		docs = memory.NewStore()
	}

	app.gate = realtime.NewGate(docs, security.CustomTokenVerifier{Secret: []byte(cfg.ChatTokenSecret)})
	issuer := security.CustomTokenIssuer{Secret: []byte(cfg.ChatTokenSecret), TTL: cfg.ChatTokenLifetime}
	app.credentials = &credentials.Manager{
		Source: security.LocalTokenSource{Issuer: issuer, UID: cfg.GatewayUID},
		Auth:   app.gate,
		Config: credentials.Config{Lifetime: cfg.ChatTokenLifetime, Margin: cfg.ChatTokenMargin},
		Logger: logger,
	}
	app.closers = append([]func(context.Context) error{app.credentials.Close}, app.closers...)
	checks["chat_session"] = func(context.Context) error {
		if !app.credentials.Authenticated() {
			return errors.New("chat store session is not signed in")
		}
		return nil
	}

	publisher, err := buildPublisher(ctx, cfg, app, mongoClient, logger)
	if err != nil {
		return nil, err
	}

	app.chats = &chatsvc.Service{
		Store:       app.gate,
		Credentials: app.credentials,
		Events:      publisher,
		Encoder:     outbox.JSONEventEncoder{Source: eventSource},
		Roles:       app.listings,
		Logger:      logger,
	}
	app.health = obs.HealthHandlers{Checks: checks}
	app.handlers = ginserver.Handlers{
		Chat:    ginserver.ChatHandler{Chats: app.chats, Logger: logger},
		Streams: ginserver.StreamHandler{Chats: app.chats, Logger: logger},
		Token: ginserver.TokenHandler{
			Issuer: security.CustomTokenIssuer{Secret: []byte(cfg.ChatTokenSecret), TTL: cfg.ChatTokenLifetime},
			Logger: logger,
		},
		AuthMiddleware: ginserver.AuthMiddleware{
			Tokens: security.AccessTokens{Secret: []byte(cfg.AccessTokenSecret)},
			Logger: logger,
		}.Handle,
	}
	return app, nil
}

// buildPublisher picks where chat events go. With Kafka and Mongo both
// configured events are queued in Mongo and relayed to Kafka in the
// background; with Kafka alone they are sent inline; otherwise they stay in a
// bounded in-process outbox.
func buildPublisher(ctx context.Context, cfg config.Config, app *application, mongoClient *mongostore.Client, logger *slog.Logger) (outbox.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return memory.NewOutbox(1000), nil
	}
	producer, err := kafka.NewProducer(cfg.KafkaBrokers, nil)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	app.closers = append(app.closers, func(context.Context) error { return producer.Close() })
	kafkaPub := &kafka.EventPublisher{Producer: producer, TopicPrefix: cfg.KafkaTopicPrefix, Source: eventSource}
	if mongoClient == nil {
		return kafkaPub, nil
	}

	queue := infraoutbox.NewStore(mongoClient.DB)
	if cfg.EnsureIndexes {
		if err := queue.EnsureIndexes(ctx); err != nil {
			logger.Warn("outbox index creation failed", "error", err)
		}
	}
	app.relay = &infraoutbox.Relay{
		Queue:     queue,
		Publisher: kafkaPub,
		Interval:  cfg.OutboxPollInterval,
		Backoff:   cfg.RetryBackoff,
		Logger:    logger.With("component", "outbox_relay"),
	}
	return queue, nil
}

// runBackground starts the outbox relay, if any, until ctx is done.
func (a *application) runBackground(ctx context.Context, logger *slog.Logger) {
	if a.relay == nil {
		return
	}
	go func() {
		if err := a.relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()
}

func (a *application) close(ctx context.Context, logger *slog.Logger) {
	for _, closeFn := range a.closers {
		if err := closeFn(ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

type listingFixture struct {
	ID       json.RawMessage `json:"id"`
	PosterID string          `json:"poster_id"`
	Title    string          `json:"title"`
}

func (a *application) loadListingFixtures(ctx context.Context, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("listing fixtures file not found, skipping", "path", path)
			return nil
		}
		return fmt.Errorf("read fixtures: %w", err)
	}
	if len(data) == 0 {
		logger.Warn("listing fixtures file empty", "path", path)
		return nil
	}

	var fixtures []listingFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return fmt.Errorf("decode fixtures: %w", err)
	}
	for _, fx := range fixtures {
		var id any
		dec := json.NewDecoder(bytes.NewReader(fx.ID))
		dec.UseNumber()
		if err := dec.Decode(&id); err != nil {
			logger.Error("fixture invalid", "listing_id", string(fx.ID), "error", err)
			continue
		}
		listing, err := domainlistings.NewListing(id, fx.PosterID, fx.Title)
		if err != nil {
			logger.Error("fixture invalid", "listing_id", string(fx.ID), "error", err)
			continue
		}
		if err := a.listings.Save(ctx, listing); err != nil {
			logger.Error("cannot store fixture listing", "listing_id", listing.ID, "error", err)
			continue
		}
		logger.Debug("listing fixture imported", "listing_id", listing.ID, "poster_id", listing.PosterID)
	}
	logger.Info("listing fixtures loaded", "count", a.listings.Len(), "path", path)
	return nil
}
