package dto

import (
	"time"

	domainchat "agrichat/internal/domain/chat"
)

// Conversation describes chat metadata as seen by one participant.
type Conversation struct {
	ID             string         `json:"id"`
	PosterID       string         `json:"poster_id"`
	PosterName     string         `json:"poster_name"`
	RespondentID   string         `json:"respondent_id"`
	RespondentName string         `json:"respondent_name"`
	ListingID      string         `json:"listing_id"`
	ListingTitle   string         `json:"listing_title"`
	LastMessage    *string        `json:"last_message"`
	LastMessageAt  *time.Time     `json:"last_message_at"`
	UnreadCount    map[string]int `json:"unread_count"`
	Unread         int            `json:"unread"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationList is the merged inbox of a user.
type ConversationList struct {
	Items []Conversation `json:"items"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	SenderRole     string    `json:"sender_role"`
	Text           string    `json:"text"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChatMessageList is the full ordered history of a conversation.
type ChatMessageList struct {
	ConversationID string        `json:"conversation_id"`
	Items          []ChatMessage `json:"items"`
}

// ChatToken is the store credential handed to chat clients.
type ChatToken struct {
	Token     string    `json:"firebase_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewConversation(c domainchat.Conversation, viewer string) Conversation {
	c = c.Clone()
	return Conversation{
		ID:             c.ID,
		PosterID:       c.PosterID,
		PosterName:     c.PosterName,
		RespondentID:   c.RespondentID,
		RespondentName: c.RespondentName,
		ListingID:      c.ListingID,
		ListingTitle:   c.ListingTitle,
		LastMessage:    c.LastMessage,
		LastMessageAt:  c.LastMessageAt,
		UnreadCount:    c.UnreadCount,
		Unread:         c.Unread(viewer),
		CreatedAt:      c.CreatedAt,
	}
}

func NewConversationList(items []domainchat.Conversation, viewer string) ConversationList {
	out := ConversationList{Items: make([]Conversation, 0, len(items))}
	for _, c := range items {
		out.Items = append(out.Items, NewConversation(c, viewer))
	}
	return out
}

func NewChatMessage(m domainchat.Message) ChatMessage {
	return ChatMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderRole:     string(m.SenderRole),
		Text:           m.Body,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

func NewChatMessageList(conversationID string, items []domainchat.Message) ChatMessageList {
	out := ChatMessageList{ConversationID: conversationID, Items: make([]ChatMessage, 0, len(items))}
	for _, m := range items {
		out.Items = append(out.Items, NewChatMessage(m))
	}
	return out
}
