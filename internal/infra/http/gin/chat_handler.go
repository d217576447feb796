package ginserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"agrichat/internal/app/dto"
	"agrichat/internal/app/realtime"
	chatsvc "agrichat/internal/app/services/chat"
	domainchat "agrichat/internal/domain/chat"
)

// ChatHTTP exposes chat endpoints.
type ChatHTTP interface {
	Create(c *gin.Context)
	Get(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
}

// ChatHandler bridges HTTP with the chat service. Callers only ever act as
// themselves: the principal is the sender and the reader.
type ChatHandler struct {
	Chats  *chatsvc.Service
	Logger *slog.Logger
}

type createChatRequest struct {
	PosterID       string          `json:"poster_id"`
	PosterName     string          `json:"poster_name"`
	RespondentID   string          `json:"respondent_id"`
	RespondentName string          `json:"respondent_name"`
	ListingID      json.RawMessage `json:"listing_id"`
	ListingTitle   string          `json:"listing_title"`
}

// Create returns the id of the conversation for the given listing, creating
// it on first contact.
func (h ChatHandler) Create(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if p.ID != strings.TrimSpace(req.PosterID) && p.ID != strings.TrimSpace(req.RespondentID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return
	}
	listingID, err := decodeListingID(req.ListingID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "listing_id must be a number or a string"})
		return
	}
	id, err := h.Chats.CreateOrGetChat(c.Request.Context(),
		req.PosterID, req.PosterName,
		req.RespondentID, req.RespondentName,
		listingID, req.ListingTitle,
	)
	if err != nil {
		h.respondChatError(c, err, "create chat", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// Get returns one conversation if the user takes part in it.
func (h ChatHandler) Get(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	key, ok := participantKey(c, p)
	if !ok {
		return
	}
	conv, err := h.Chats.GetChat(c.Request.Context(), key.ConversationID())
	if err != nil {
		h.respondChatError(c, err, "get chat", "conversation_id", key.ConversationID(), "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, dto.NewConversation(conv, p.ID))
}

// SendMessage posts a message as the current user. The role is derived from
// the user's slot in the conversation when the client leaves it out.
func (h ChatHandler) SendMessage(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	key, ok := participantKey(c, p)
	if !ok {
		return
	}
	var req struct {
		SenderName string `json:"sender_name"`
		SenderRole string `json:"sender_role"`
		Text       string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	role := strings.TrimSpace(req.SenderRole)
	if role == "" {
		role = string(slotRole(key, p.ID))
	}
	name := strings.TrimSpace(req.SenderName)
	if name == "" {
		name = p.Name
	}
	res, err := h.Chats.Send(c.Request.Context(), chatsvc.SendParams{
		ConversationID: key.ConversationID(),
		SenderID:       p.ID,
		SenderName:     name,
		SenderRole:     role,
		Body:           req.Text,
	})
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", key.ConversationID(), "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, dto.NewChatMessage(res.Message))
}

// MarkRead clears the current user's unread state.
func (h ChatHandler) MarkRead(c *gin.Context) {
	p, ok := requireAuth(c)
	if !ok {
		return
	}
	key, ok := participantKey(c, p)
	if !ok {
		return
	}
	if _, err := h.Chats.MarkRead(c.Request.Context(), key.ConversationID(), p.ID); err != nil {
		h.respondChatError(c, err, "mark read", "conversation_id", key.ConversationID(), "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// participantKey parses the :id parameter and checks that the principal is
// one of its two participants.
func participantKey(c *gin.Context, p principal) (domainchat.Key, bool) {
	key, err := domainchat.ParseConversationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed conversation id"})
		return domainchat.Key{}, false
	}
	if !key.Has(p.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return domainchat.Key{}, false
	}
	return key, true
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	_ = c.Error(err)
	status, body := chatErrorStatus(err)
	if h.Logger != nil {
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.Logger.Log(c.Request.Context(), level, "chat call failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	c.JSON(status, gin.H{"error": body})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domainchat.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, domainchat.ErrNotParticipant),
		errors.Is(err, domainchat.ErrSenderMismatch),
		errors.Is(err, domainchat.ErrNotListingOwner):
		return http.StatusForbidden, err.Error()
	case chatsvc.IsInvalidInput(err):
		return http.StatusBadRequest, err.Error()
	case realtime.IsAuthError(err), errors.Is(err, chatsvc.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "chat temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func slotRole(key domainchat.Key, userID string) domainchat.Role {
	if userID == key.PosterID {
		return domainchat.RolePoster
	}
	return domainchat.RoleRespondent
}

// decodeListingID keeps numeric listing ids exact instead of going through float64.
func decodeListingID(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, errors.New("listing_id is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case json.Number, string:
		return v, nil
	default:
		return nil, errors.New("listing_id has an unsupported type")
	}
}

var _ ChatHTTP = ChatHandler{}
