package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
	"agrichat/internal/infra/security"
	"agrichat/internal/infra/storage/memory"
)

const (
	testSecret  = "chat-secret"
	testSession = "session-token"
)

type cli struct {
	store   *memory.Store
	backend *httptest.Server
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	issuer := security.CustomTokenIssuer{Secret: []byte(testSecret)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/firebase-token" || r.Header.Get("Authorization") != "Bearer "+testSession {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "invalid session"})
			return
		}
		issued, err := issuer.Issue("12", nil)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"firebase_token": issued.Token})
	}))
	t.Cleanup(srv.Close)
	return &cli{store: memory.NewStore(), backend: srv}
}

func (c *cli) run(t *testing.T, session string, args ...string) (string, error) {
	t.Helper()
	o := defaultOptions()
	o.env = "test"
	o.backendURL = c.backend.URL
	o.session = session
	o.chatSecret = testSecret
	o.connect = func(context.Context, *options, *slog.Logger) (realtime.Documents, func(context.Context) error, error) {
		return c.store, func(context.Context) error { return nil }, nil
	}
	var out, errOut bytes.Buffer
	root := newRootCommand(o)
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	c := newCLI(t)
	out, err := c.run(t, testSession, "token")
	require.NoError(t, err)

	p, err := security.CustomTokenVerifier{Secret: []byte(testSecret)}.VerifyCustomToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "12", p.UID)

	_, err = c.run(t, "", "token")
	assert.ErrorIs(t, err, errNoSession)

	_, err = c.run(t, "stale", "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid session")
}

func TestConversationCommands(t *testing.T) {
	c := newCLI(t)

	out, err := c.run(t, testSession, "start",
		"--poster", "7", "--poster-name", "Asha",
		"--respondent", "12", "--respondent-name", "Ravi",
		"--listing", "042", "--title", "Wheat harvest")
	require.NoError(t, err)
	assert.Equal(t, "7_12_42", strings.TrimSpace(out))

	out, err = c.run(t, testSession, "send", "7_12_42", "Hello", "there", "--as", "7", "--name", "Asha")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	conv, err := c.store.GetChat(context.Background(), "7_12_42")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.Unread("12"))

	out, err = c.run(t, testSession, "inbox", "--as", "12", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "7_12_42")
	assert.Contains(t, out, "Asha")
	assert.Contains(t, out, "Hello there")

	out, err = c.run(t, testSession, "open", "7_12_42", "--as", "12", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "Asha (poster): Hello there")

	conv, err = c.store.GetChat(context.Background(), "7_12_42")
	require.NoError(t, err)
	assert.Equal(t, 0, conv.Unread("12"))
}

func TestSendRejectsWrongSlot(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, testSession, "start", "--poster", "7", "--respondent", "12", "--listing", "42")
	require.NoError(t, err)

	_, err = c.run(t, testSession, "send", "7_12_42", "hi", "--as", "12", "--role", "farmer")
	assert.ErrorIs(t, err, domainchat.ErrSenderMismatch)

	_, err = c.run(t, testSession, "send", "not-a-chat", "hi", "--as", "12")
	assert.ErrorIs(t, err, domainchat.ErrInvalidConversation)
}

func TestSessionFailsWithoutBackendToken(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "stale", "inbox", "--as", "12", "--once")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot initialize chat")
}

func TestFormatting(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	line := formatMessage(domainchat.Message{SenderID: "7", SenderRole: domainchat.RolePoster, Body: "Hi", CreatedAt: at})
	assert.True(t, strings.HasSuffix(line, "7 (poster): Hi"), line)

	var buf bytes.Buffer
	require.NoError(t, writeInbox(&buf, nil, "12"))
	assert.Contains(t, buf.String(), "(no conversations)")

	assert.True(t, hasUnreadFor([]domainchat.Message{{SenderID: "7"}}, "12"))
	assert.False(t, hasUnreadFor([]domainchat.Message{{SenderID: "12"}, {SenderID: "7", Read: true}}, "12"))
}

func TestLatestOnlyKeepsNewest(t *testing.T) {
	ch := make(chan int, 1)
	latestOnly(ch, 1)
	latestOnly(ch, 2)
	assert.Equal(t, 2, <-ch)
}
