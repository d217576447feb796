package chat

import "time"

type MessageSentEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageIDs     []string  `json:"message_ids"`
	SenderID       string    `json:"sender_id"`
	SenderRole     Role      `json:"sender_role"`
	ReceiverID     string    `json:"receiver_id"`
	ListingID      string    `json:"listing_id"`
	Preview        string    `json:"preview"`
	At             time.Time `json:"at"`
}

func (e MessageSentEvent) EventName() string     { return "chat.message_sent" }
func (e MessageSentEvent) AggregateID() string   { return e.ConversationID }
func (e MessageSentEvent) OccurredAt() time.Time { return e.At }

type MessagesReadEvent struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}

func (e MessagesReadEvent) EventName() string     { return "chat.messages_read" }
func (e MessagesReadEvent) AggregateID() string   { return e.ConversationID }
func (e MessagesReadEvent) OccurredAt() time.Time { return e.At }

type ConversationStartedEvent struct {
	ConversationID string    `json:"conversation_id"`
	PosterID       string    `json:"poster_id"`
	RespondentID   string    `json:"respondent_id"`
	ListingID      string    `json:"listing_id"`
	At             time.Time `json:"at"`
}

func (e ConversationStartedEvent) EventName() string     { return "chat.conversation_started" }
func (e ConversationStartedEvent) AggregateID() string   { return e.ConversationID }
func (e ConversationStartedEvent) OccurredAt() time.Time { return e.At }
