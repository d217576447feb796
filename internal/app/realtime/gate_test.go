package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agrichat/internal/app/realtime"
	"agrichat/internal/domain/chat"
	"agrichat/internal/infra/storage/memory"
)

type stubVerifier map[string]realtime.Principal

func (v stubVerifier) VerifyCustomToken(token string) (realtime.Principal, error) {
	p, ok := v[token]
	if !ok {
		return realtime.Principal{}, errors.New("signature is invalid")
	}
	return p, nil
}

type manualTimer struct {
	mu      sync.Mutex
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *manualTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if !stopped {
		t.fn()
	}
}

type timers struct {
	mu  sync.Mutex
	all []*manualTimer
}

func (ts *timers) afterFunc(_ time.Duration, fn func()) realtime.Timer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &manualTimer{fn: fn}
	ts.all = append(ts.all, t)
	return t
}

func (ts *timers) at(i int) *manualTimer {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[i]
}

type gateFixture struct {
	gate   *realtime.Gate
	docs   *memory.Store
	timers *timers
	clock  *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newGateFixture(t *testing.T) gateFixture {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	ts := &timers{}
	docs := memory.NewStore()
	verifier := stubVerifier{
		"token-7":  {UID: "7", ExpiresAt: clk.Now().Add(time.Hour)},
		"token-7b": {UID: "7", ExpiresAt: clk.Now().Add(2 * time.Hour)},
		"stale":    {UID: "7", ExpiresAt: clk.Now().Add(-time.Minute)},
	}
	gate := realtime.NewGate(docs, verifier, realtime.WithGateClock(clk.Now), realtime.WithGateAfterFunc(ts.afterFunc))
	return gateFixture{gate: gate, docs: docs, timers: ts, clock: clk}
}

func seedChat(t *testing.T, docs realtime.Documents) chat.Conversation {
	t.Helper()
	key, err := chat.NewKey("7", "12", 42)
	require.NoError(t, err)
	c, _, err := docs.CreateChat(context.Background(), chat.NewConversation(key, "Asha", "Ravi", "Wheat harvest"))
	require.NoError(t, err)
	return c
}

func TestGateRejectsCallsWithoutSession(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()

	_, err := fx.gate.GetChat(ctx, "7_12_42")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	assert.True(t, realtime.IsAuthError(err))

	_, err = fx.gate.WatchMessages(ctx, "7_12_42", realtime.Listener[chat.Message]{})
	assert.True(t, realtime.IsAuthError(err))
	assert.Zero(t, fx.gate.ActiveWatchers())
}

func TestGateSignIn(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seeded := seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "forged")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = fx.gate.SignInWithCustomToken(ctx, "stale")
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	p, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)
	assert.Equal(t, "7", p.UID)

	current, ok := fx.gate.CurrentPrincipal()
	require.True(t, ok)
	assert.Equal(t, "7", current.UID)

	got, err := fx.gate.GetChat(ctx, seeded.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, got.ID)
}

func TestGateRejectsExpiredCredential(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)
	fx.clock.Advance(time.Hour)

	_, err = fx.gate.GetChat(ctx, "7_12_42")
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, ok := fx.gate.CurrentPrincipal()
	assert.False(t, ok, "an expired session is not a signed-in one")
}

func TestGateWatchdogFailsListenersOnce(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)

	errs := make(chan error, 4)
	_, err = fx.gate.WatchMessages(ctx, "7_12_42", realtime.Listener[chat.Message]{
		OnSnapshot: func([]chat.Message) {},
		OnError:    func(err error) { errs <- err },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fx.gate.ActiveWatchers())

	fx.clock.Advance(time.Hour)
	fx.timers.at(0).fire()
	fx.timers.at(0).fire()

	select {
	case err := <-errs:
		assert.True(t, realtime.IsAuthError(err))
	case <-time.After(time.Second):
		t.Fatal("listener was not failed")
	}
	assert.Zero(t, fx.gate.ActiveWatchers())
	assert.Never(t, func() bool { return len(errs) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestGateReplacedSessionIgnoresOldWatchdog(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)

	ready := make(chan struct{}, 8)
	sub, err := fx.gate.WatchChats(ctx, realtime.ChatQuery{Field: realtime.FieldPoster, UserID: "7"}, realtime.Listener[chat.Conversation]{
		OnSnapshot: func([]chat.Conversation) { ready <- struct{}{} },
		OnError:    func(err error) { t.Errorf("unexpected listener error: %v", err) },
	})
	require.NoError(t, err)
	defer sub.Stop()
	<-ready

	// sign-out followed by sign-in is how a refresh looks to the gate
	require.NoError(t, fx.gate.SignOut(ctx))
	_, err = fx.gate.SignInWithCustomToken(ctx, "token-7b")
	require.NoError(t, err)

	fx.timers.at(0).fn()
	assert.Equal(t, 1, fx.gate.ActiveWatchers())
}

func TestGateListenerSurvivesRefresh(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seeded := seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)

	var mu sync.Mutex
	var last []chat.Message
	deliveries := 0
	sub, err := fx.gate.WatchMessages(ctx, seeded.ID, realtime.Listener[chat.Message]{
		OnSnapshot: func(items []chat.Message) {
			mu.Lock()
			last = items
			deliveries++
			mu.Unlock()
		},
		OnError: func(err error) { t.Errorf("unexpected listener error: %v", err) },
	})
	require.NoError(t, err)
	defer sub.Stop()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, fx.gate.SignOut(ctx))
	_, err = fx.gate.SignInWithCustomToken(ctx, "token-7b")
	require.NoError(t, err)

	msg := chat.Message{ConversationID: seeded.ID, SenderID: "7", SenderName: "Asha", SenderRole: chat.RolePoster, Body: "hello"}
	_, err = fx.gate.Commit(ctx, realtime.NewBatch().InsertMessage(msg))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 1 && last[0].Body == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestGateDeliveryAfterSignOutFails(t *testing.T) {
	fx := newGateFixture(t)
	ctx := context.Background()
	seeded := seedChat(t, fx.docs)

	_, err := fx.gate.SignInWithCustomToken(ctx, "token-7")
	require.NoError(t, err)

	errs := make(chan error, 1)
	ready := make(chan struct{}, 8)
	_, err = fx.gate.WatchMessages(ctx, seeded.ID, realtime.Listener[chat.Message]{
		OnSnapshot: func([]chat.Message) { ready <- struct{}{} },
		OnError:    func(err error) { errs <- err },
	})
	require.NoError(t, err)
	<-ready

	require.NoError(t, fx.gate.SignOut(ctx))
	msg := chat.Message{ConversationID: seeded.ID, SenderID: "12", SenderRole: chat.RoleRespondent, Body: "ping"}
	_, err = fx.docs.Commit(ctx, realtime.NewBatch().InsertMessage(msg))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	case <-time.After(time.Second):
		t.Fatal("listener kept delivering without a session")
	}
	assert.Zero(t, fx.gate.ActiveWatchers())
}
