package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat/internal/app/outbox"
	domainchat "agrichat/internal/domain/chat"
	"agrichat/internal/infra/config"
	"agrichat/internal/infra/obs"
	"agrichat/internal/infra/storage/memory"
)

func testConfig() config.Config {
	return config.Config{
		Env:               "test",
		StoreDriver:       config.StoreMemory,
		ChatTokenSecret:   "chat-secret",
		AccessTokenSecret: "access-secret",
		ChatTokenLifetime: time.Hour,
		ChatTokenMargin:   5 * time.Minute,
		GatewayUID:        "chat-gateway",
	}
}

func TestApplicationSignsInAndServesChats(t *testing.T) {
	ctx := context.Background()
	app, err := buildApplication(ctx, testConfig(), obs.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { app.close(context.Background(), obs.Discard()) })

	_, err = app.chats.CreateOrGetChat(ctx, "7", "Asha", "12", "Ravi", 42, "Wheat harvest")
	require.Error(t, err, "store calls need a signed-in session")

	require.True(t, app.credentials.InitializeAuth(ctx))
	assert.True(t, app.credentials.RefreshPending())
	p, ok := app.gate.CurrentPrincipal()
	require.True(t, ok)
	assert.Equal(t, "chat-gateway", p.UID)

	id, err := app.chats.CreateOrGetChat(ctx, "7", "Asha", "12", "Ravi", 42, "Wheat harvest")
	require.NoError(t, err)
	assert.Equal(t, "7_12_42", id)
	require.NoError(t, app.chats.SendMessage(ctx, id, "7", "Asha", "farmer", "Hello"))

	events, ok := app.chats.Events.(*memory.Outbox)
	require.True(t, ok)
	assert.Equal(t, []string{"chat.conversation_started", "chat.message_sent"}, events.Names())
	_, isJSON := app.chats.Encoder.(outbox.JSONEventEncoder)
	assert.True(t, isJSON)
	assert.Nil(t, app.relay, "no relay without kafka and mongo")
}

func TestListingFixturesFeedSwapGuard(t *testing.T) {
	ctx := context.Background()
	app, err := buildApplication(ctx, testConfig(), obs.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { app.close(context.Background(), obs.Discard()) })

	path := filepath.Join(t.TempDir(), "listings.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": 42, "poster_id": "7", "title": "Wheat harvest"},
		{"id": "svc-9", "poster_id": "30", "title": "Tractor"},
		{"id": 1.5, "poster_id": "7", "title": "broken"},
		{"id": 44, "poster_id": "", "title": "no poster"}
	]`), 0o600))
	require.NoError(t, app.loadListingFixtures(ctx, path, obs.Discard()))
	assert.Equal(t, 2, app.listings.Len())

	require.True(t, app.credentials.InitializeAuth(ctx))
	_, err = app.chats.CreateOrGetChat(ctx, "12", "Ravi", "7", "Asha", 42, "Wheat harvest")
	assert.ErrorIs(t, err, domainchat.ErrSwappedParticipants)
}

func TestListingFixturesMissingOrBroken(t *testing.T) {
	app := &application{listings: memory.NewListingDirectory()}
	ctx := context.Background()

	assert.NoError(t, app.loadListingFixtures(ctx, filepath.Join(t.TempDir(), "absent.json"), obs.Discard()))
	assert.NoError(t, app.loadListingFixtures(ctx, "", obs.Discard()))

	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	assert.Error(t, app.loadListingFixtures(ctx, path, obs.Discard()))
}
