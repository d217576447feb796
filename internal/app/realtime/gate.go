package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"agrichat/internal/domain/chat"
)

// Timer is the part of *time.Timer the gate and the credential manager use.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc wraps time.AfterFunc.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Gate turns a Documents backend into a Store that demands a signed-in,
// unexpired principal for every read, write and listener delivery. Listeners
// whose credential lapses receive one Unauthenticated error and detach.
type Gate struct {
	docs     Documents
	verifier TokenVerifier

	now       func() time.Time
	afterFunc AfterFunc

	mu       sync.Mutex
	session  *gateSession
	watchers map[*gatedWatch]struct{}
}

type gateSession struct {
	principal Principal
	watchdog  Timer
}

type GateOption func(*Gate)

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithGateAfterFunc(fn AfterFunc) GateOption {
	return func(g *Gate) {
		if fn != nil {
			g.afterFunc = fn
		}
	}
}

func NewGate(docs Documents, verifier TokenVerifier, opts ...GateOption) *Gate {
	g := &Gate{
		docs:      docs,
		verifier:  verifier,
		now:       time.Now,
		afterFunc: StdAfterFunc,
		watchers:  make(map[*gatedWatch]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SignInWithCustomToken verifies token and replaces the current session.
func (g *Gate) SignInWithCustomToken(ctx context.Context, token string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	if g.verifier == nil {
		return Principal{}, ErrNotVerified
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, PermissionDenied("custom token is empty")
	}
	principal, err := g.verifier.VerifyCustomToken(token)
	if err != nil {
		if IsAuthError(err) {
			return Principal{}, err
		}
		return Principal{}, PermissionDenied(err.Error())
	}
	if !principal.ExpiresAt.IsZero() && !g.now().Before(principal.ExpiresAt) {
		return Principal{}, PermissionDenied("custom token already expired")
	}

	sess := &gateSession{principal: principal}
	g.mu.Lock()
	if g.session != nil && g.session.watchdog != nil {
		g.session.watchdog.Stop()
	}
	g.session = sess
	if !principal.ExpiresAt.IsZero() {
		sess.watchdog = g.afterFunc(principal.ExpiresAt.Sub(g.now()), func() { g.expire(sess) })
	}
	g.mu.Unlock()
	return principal, nil
}

// SignOut drops the session. Standing listeners stay attached so that a
// sign-out/sign-in refresh does not tear them down; they fail on their next
// delivery if no new session appeared in between.
func (g *Gate) SignOut(ctx context.Context) error {
	g.mu.Lock()
	if g.session != nil && g.session.watchdog != nil {
		g.session.watchdog.Stop()
	}
	g.session = nil
	g.mu.Unlock()
	return nil
}

// CurrentPrincipal reports the signed-in identity. A session past its expiry
// counts as signed out.
func (g *Gate) CurrentPrincipal() (Principal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.authorizeLocked() != nil {
		return Principal{}, false
	}
	return g.session.principal, true
}

func (g *Gate) authorize() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authorizeLocked()
}

func (g *Gate) authorizeLocked() error {
	if g.session == nil {
		return Unauthenticated("not signed in")
	}
	exp := g.session.principal.ExpiresAt
	if !exp.IsZero() && !g.now().Before(exp) {
		return Unauthenticated("credential expired")
	}
	return nil
}

// expire fails every listener once sess reaches its expiry, unless the
// session was replaced by a fresh sign-in in the meantime.
func (g *Gate) expire(sess *gateSession) {
	g.mu.Lock()
	if g.session != sess {
		g.mu.Unlock()
		return
	}
	victims := make([]*gatedWatch, 0, len(g.watchers))
	for w := range g.watchers {
		victims = append(victims, w)
	}
	g.mu.Unlock()

	err := Unauthenticated("credential expired")
	for _, w := range victims {
		w.fail(err)
	}
}

func (g *Gate) GetChat(ctx context.Context, id string) (chat.Conversation, error) {
	if err := g.authorize(); err != nil {
		return chat.Conversation{}, err
	}
	return g.docs.GetChat(ctx, id)
}

func (g *Gate) CreateChat(ctx context.Context, c chat.Conversation) (chat.Conversation, bool, error) {
	if err := g.authorize(); err != nil {
		return chat.Conversation{}, false, err
	}
	return g.docs.CreateChat(ctx, c)
}

func (g *Gate) Commit(ctx context.Context, b *Batch) (CommitResult, error) {
	if err := g.authorize(); err != nil {
		return CommitResult{}, err
	}
	return g.docs.Commit(ctx, b)
}

func (g *Gate) WatchMessages(ctx context.Context, conversationID string, l Listener[chat.Message]) (Subscription, error) {
	if err := g.authorize(); err != nil {
		return nil, err
	}
	w := g.track(l.fail)
	inner, err := g.docs.WatchMessages(ctx, conversationID, Listener[chat.Message]{
		OnSnapshot: func(items []chat.Message) {
			if w.deliverable() {
				l.snapshot(items)
			}
		},
		OnError: w.fail,
	})
	return g.attach(w, inner, err)
}

func (g *Gate) WatchChats(ctx context.Context, q ChatQuery, l Listener[chat.Conversation]) (Subscription, error) {
	if err := g.authorize(); err != nil {
		return nil, err
	}
	w := g.track(l.fail)
	inner, err := g.docs.WatchChats(ctx, q, Listener[chat.Conversation]{
		OnSnapshot: func(items []chat.Conversation) {
			if w.deliverable() {
				l.snapshot(items)
			}
		},
		OnError: w.fail,
	})
	return g.attach(w, inner, err)
}

func (g *Gate) track(onError func(error)) *gatedWatch {
	w := &gatedWatch{gate: g, onError: onError}
	g.mu.Lock()
	g.watchers[w] = struct{}{}
	g.mu.Unlock()
	return w
}

func (g *Gate) attach(w *gatedWatch, inner Subscription, err error) (Subscription, error) {
	if err != nil {
		g.untrack(w)
		return nil, err
	}
	w.setInner(inner)
	return w, nil
}

func (g *Gate) untrack(w *gatedWatch) {
	g.mu.Lock()
	delete(g.watchers, w)
	g.mu.Unlock()
}

// ActiveWatchers reports the number of attached listeners.
func (g *Gate) ActiveWatchers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.watchers)
}

type gatedWatch struct {
	gate    *Gate
	onError func(error)

	mu    sync.Mutex
	inner Subscription
	done  bool
}

func (w *gatedWatch) setInner(inner Subscription) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		if inner != nil {
			inner.Stop()
		}
		return
	}
	w.inner = inner
	w.mu.Unlock()
}

// deliverable checks the credential before a snapshot is handed out and
// fails the listener when it lapsed.
func (w *gatedWatch) deliverable() bool {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()
	if done {
		return false
	}
	if err := w.gate.authorize(); err != nil {
		w.fail(err)
		return false
	}
	return true
}

func (w *gatedWatch) fail(err error) {
	if !w.detach() {
		return
	}
	if w.onError != nil {
		if err == nil {
			err = errors.New("realtime: listener terminated")
		}
		w.onError(err)
	}
}

func (w *gatedWatch) Stop() {
	w.detach()
}

// detach marks the watch finished and stops the backend subscription. It
// returns false when the watch was already finished.
func (w *gatedWatch) detach() bool {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return false
	}
	w.done = true
	inner := w.inner
	w.inner = nil
	w.mu.Unlock()

	w.gate.untrack(w)
	if inner != nil {
		inner.Stop()
	}
	return true
}

var _ Store = (*Gate)(nil)
