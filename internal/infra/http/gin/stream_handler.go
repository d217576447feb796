package ginserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"

	"agrichat/internal/app/dto"
	chatsvc "agrichat/internal/app/services/chat"
	domainchat "agrichat/internal/domain/chat"
)

const defaultHeartbeat = 25 * time.Second

type StreamHTTP interface {
	Messages(c *gin.Context)
	Inbox(c *gin.Context)
}

// StreamHandler relays live subscriptions as Server-Sent Events. Every event
// carries the full snapshot; a slow client only ever sees the newest one.
type StreamHandler struct {
	Chats     *chatsvc.Service
	Logger    *slog.Logger
	Heartbeat time.Duration
}

func (h StreamHandler) Messages(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	key, ok := participantKey(c, p)
	if !ok {
		return
	}
	snaps := newLatest[[]domainchat.Message]()
	errs := make(chan error, 1)
	unsubscribe, err := h.Chats.SubscribeToMessages(c.Request.Context(), key.ConversationID(), snaps.put, chatsvc.WithErrorHandler(errSink(errs)))
	if err != nil {
		ChatHandler{Logger: h.Logger}.respondChatError(c, err, "stream messages", "conversation_id", key.ConversationID(), "user_id", p.ID)
		return
	}
	defer unsubscribe()
	serveEvents(c, "messages", snaps, errs, h.heartbeat(), func(items []domainchat.Message) any {
		return dto.NewChatMessageList(key.ConversationID(), items)
	})
}

func (h StreamHandler) Inbox(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	snaps := newLatest[[]domainchat.Conversation]()
	errs := make(chan error, 1)
	unsubscribe, err := h.Chats.SubscribeToChats(c.Request.Context(), p.ID, snaps.put, chatsvc.WithErrorHandler(errSink(errs)))
	if err != nil {
		ChatHandler{Logger: h.Logger}.respondChatError(c, err, "stream inbox", "user_id", p.ID)
		return
	}
	defer unsubscribe()
	serveEvents(c, "chats", snaps, errs, h.heartbeat(), func(items []domainchat.Conversation) any {
		return dto.NewConversationList(items, p.ID)
	})
}

func (h StreamHandler) heartbeat() time.Duration {
	if h.Heartbeat > 0 {
		return h.Heartbeat
	}
	return defaultHeartbeat
}

func serveEvents[T any](c *gin.Context, event string, snaps *latest[T], errs <-chan error, heartbeat time.Duration, render func(T) any) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-snaps.ready:
			if v, ok := snaps.take(); ok {
				c.SSEvent(event, render(v))
				c.Writer.Flush()
			}
		case err := <-errs:
			status, msg := chatErrorStatus(err)
			c.SSEvent("error", gin.H{"error": msg, "status": status})
			c.Writer.Flush()
			return
		case <-ticker.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		}
	}
}

func errSink(errs chan<- error) func(error) {
	return func(err error) {
		select {
		case errs <- err:
		default:
		}
	}
}

// latest holds the newest snapshot until the writer takes it.
type latest[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
	ready chan struct{}
}

func newLatest[T any]() *latest[T] {
	return &latest[T]{ready: make(chan struct{}, 1)}
}

func (l *latest[T]) put(v T) {
	l.mu.Lock()
	l.value = v
	l.set = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latest[T]) take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.value, l.set
	var zero T
	l.value = zero
	l.set = false
	return v, ok
}
