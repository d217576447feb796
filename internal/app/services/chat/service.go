package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"agrichat/internal/app/outbox"
	"agrichat/internal/app/realtime"
	domainchat "agrichat/internal/domain/chat"
	"agrichat/internal/domain/shared/events"
)

const previewRunes = 140

var (
	ErrStoreUnavailable = errors.New("chat: store is not configured")
	ErrNilCallback      = errors.New("chat: update callback is required")
	ErrUnknownListing   = errors.New("chat: listing is not known")
)

// Refresher renews the store credential. Implemented by credentials.Manager.
type Refresher interface {
	Refresh(ctx context.Context) bool
}

// RoleResolver tells who posted a listing. It returns ErrUnknownListing when
// the listing is not in its directory.
type RoleResolver interface {
	ListingOwner(ctx context.Context, listingID string) (string, error)
}

// Service is the chat core: conversation identity, messaging and read state
// on top of a real-time store.
type Service struct {
	Store       realtime.Documents
	Credentials Refresher
	Events      outbox.Publisher
	Encoder     outbox.EventEncoder
	Roles       RoleResolver
	Logger      *slog.Logger
}

// CreateOrGetChat returns the id of the conversation between poster and
// respondent about listingID, creating the record on first contact.
func (s *Service) CreateOrGetChat(ctx context.Context, posterID, posterName, respondentID, respondentName string, listingID any, listingTitle string) (string, error) {
	if err := s.ensureDependencies(); err != nil {
		return "", err
	}
	key, err := domainchat.NewKey(posterID, respondentID, listingID)
	if err != nil {
		return "", err
	}
	if err := s.checkOwnership(ctx, key); err != nil {
		return "", err
	}

	stored, created, err := s.Store.CreateChat(ctx, domainchat.NewConversation(key, posterName, respondentName, listingTitle))
	if err != nil {
		return "", s.storeError(err, key.ConversationID())
	}
	if created {
		var rec events.Recorder
		rec.Record(domainchat.ConversationStartedEvent{
			ConversationID: stored.ID,
			PosterID:       stored.PosterID,
			RespondentID:   stored.RespondentID,
			ListingID:      stored.ListingID,
			At:             stored.CreatedAt,
		})
		s.publish(ctx, &rec)
		s.logInfo("conversation started", "conversation_id", stored.ID)
	}
	return stored.ID, nil
}

// checkOwnership rejects call sites that put the listing owner in the
// respondent slot. Without a resolver, or for unknown listings, the order
// given by the caller is trusted.
func (s *Service) checkOwnership(ctx context.Context, key domainchat.Key) error {
	if s.Roles == nil {
		return nil
	}
	owner, err := s.Roles.ListingOwner(ctx, key.ListingID)
	if err != nil {
		if !errors.Is(err, ErrUnknownListing) {
			s.logWarn("listing owner lookup failed", "listing_id", key.ListingID, "error", err)
		}
		return nil
	}
	switch strings.TrimSpace(owner) {
	case "", key.PosterID:
		return nil
	case key.RespondentID:
		return fmt.Errorf("%w: listing %s belongs to %s", domainchat.ErrSwappedParticipants, key.ListingID, owner)
	default:
		return fmt.Errorf("%w: listing %s", domainchat.ErrNotListingOwner, key.ListingID)
	}
}

// GetChat loads a single conversation.
func (s *Service) GetChat(ctx context.Context, conversationID string) (domainchat.Conversation, error) {
	if err := s.ensureDependencies(); err != nil {
		return domainchat.Conversation{}, err
	}
	key, err := domainchat.ParseConversationID(conversationID)
	if err != nil {
		return domainchat.Conversation{}, err
	}
	c, err := s.Store.GetChat(ctx, key.ConversationID())
	if err != nil {
		return domainchat.Conversation{}, s.storeError(err, key.ConversationID())
	}
	return c, nil
}

// SendMessage appends a message and updates the conversation preview and the
// receiver's unread counter in one atomic commit.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, senderName, senderRole, body string) error {
	_, err := s.Send(ctx, SendParams{
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     senderName,
		SenderRole:     senderRole,
		Body:           body,
	})
	return err
}

type SendParams struct {
	ConversationID string
	SenderID       string
	SenderName     string
	SenderRole     string
	Body           string
}

type SendResult struct {
	MessageID string
	Message   domainchat.Message
}

// Send is SendMessage returning what the store assigned.
func (s *Service) Send(ctx context.Context, p SendParams) (SendResult, error) {
	if err := s.ensureDependencies(); err != nil {
		return SendResult{}, err
	}
	text, err := domainchat.NormalizeBody(p.Body)
	if err != nil {
		return SendResult{}, err
	}
	role, err := domainchat.ParseRole(p.SenderRole)
	if err != nil {
		return SendResult{}, err
	}
	key, err := domainchat.ParseConversationID(p.ConversationID)
	if err != nil {
		return SendResult{}, err
	}
	senderID := strings.TrimSpace(p.SenderID)
	if senderID == "" {
		return SendResult{}, domainchat.ErrSenderRequired
	}
	slot, err := key.Participant(role)
	if err != nil {
		return SendResult{}, err
	}
	if slot != senderID {
		return SendResult{}, fmt.Errorf("%w: %s is not the %s of %s", domainchat.ErrSenderMismatch, senderID, role, key.ConversationID())
	}
	receiver, err := key.Receiver(role)
	if err != nil {
		return SendResult{}, err
	}

	msg := domainchat.Message{
		ConversationID: key.ConversationID(),
		SenderID:       senderID,
		SenderName:     strings.TrimSpace(p.SenderName),
		SenderRole:     role,
		Body:           text,
	}
	batch := realtime.NewBatch().
		InsertMessage(msg).
		UpdatePreview(key.ConversationID(), text, receiver)
	res, err := s.Store.Commit(ctx, batch)
	if err != nil {
		return SendResult{}, s.storeError(err, key.ConversationID())
	}

	msg.CreatedAt = res.CommittedAt
	if len(res.MessageIDs) > 0 {
		msg.ID = res.MessageIDs[0]
	}
	var rec events.Recorder
	rec.Record(domainchat.MessageSentEvent{
		ConversationID: key.ConversationID(),
		MessageIDs:     res.MessageIDs,
		SenderID:       senderID,
		SenderRole:     role,
		ReceiverID:     receiver,
		ListingID:      key.ListingID,
		Preview:        preview(text),
		At:             res.CommittedAt,
	})
	s.publish(ctx, &rec)
	return SendResult{MessageID: msg.ID, Message: msg}, nil
}

// MarkMessagesAsRead clears userID's unread counter and flags every message
// the other participant sent as read. Repeating it changes nothing.
func (s *Service) MarkMessagesAsRead(ctx context.Context, conversationID, userID string) error {
	_, err := s.MarkRead(ctx, conversationID, userID)
	return err
}

// MarkRead is MarkMessagesAsRead reporting how many messages flipped.
func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (int, error) {
	if err := s.ensureDependencies(); err != nil {
		return 0, err
	}
	key, err := domainchat.ParseConversationID(conversationID)
	if err != nil {
		return 0, err
	}
	reader := strings.TrimSpace(userID)
	if !key.Has(reader) {
		return 0, fmt.Errorf("%w: %q in %s", domainchat.ErrNotParticipant, userID, key.ConversationID())
	}
	res, err := s.Store.Commit(ctx, realtime.NewBatch().MarkRead(key.ConversationID(), reader))
	if err != nil {
		return 0, s.storeError(err, key.ConversationID())
	}
	if res.MessagesRead > 0 {
		var rec events.Recorder
		rec.Record(domainchat.MessagesReadEvent{
			ConversationID: key.ConversationID(),
			ReaderID:       reader,
			Count:          res.MessagesRead,
			At:             res.CommittedAt,
		})
		s.publish(ctx, &rec)
	}
	return res.MessagesRead, nil
}

// IsInvalidInput reports whether err was caused by the caller's arguments.
func IsInvalidInput(err error) bool {
	for _, target := range []error{
		domainchat.ErrInvalidParticipantID,
		domainchat.ErrInvalidListingID,
		domainchat.ErrSameParticipant,
		domainchat.ErrInvalidConversation,
		domainchat.ErrSwappedParticipants,
		domainchat.ErrInvalidRole,
		domainchat.ErrEmptyBody,
		domainchat.ErrBodyTooLong,
		domainchat.ErrSenderRequired,
		ErrNilCallback,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Service) storeError(err error, conversationID string) error {
	if errors.Is(err, realtime.ErrNotFound) {
		return fmt.Errorf("%w: %s", domainchat.ErrConversationNotFound, conversationID)
	}
	return err
}

// publish hands recorded events to the broker. Delivery is best effort: the
// commit already happened, so failures are only logged.
func (s *Service) publish(ctx context.Context, rec *events.Recorder) {
	evs := rec.Drain()
	if s.Events == nil || len(evs) == 0 {
		return
	}
	if err := outbox.PublishDomainEvents(context.WithoutCancel(ctx), s.Events, s.Encoder, evs); err != nil {
		s.logWarn("chat event publish failed", "events", len(evs), "error", err)
	}
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= previewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewRunes])
}

func (s *Service) ensureDependencies() error {
	if s.Store == nil {
		return ErrStoreUnavailable
	}
	return nil
}

func (s *Service) logInfo(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Info(msg, args...)
	}
}

func (s *Service) logWarn(msg string, args ...any) {
	if s.Logger != nil {
		s.Logger.Warn(msg, args...)
	}
}
