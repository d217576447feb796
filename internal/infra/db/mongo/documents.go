package mongo

import (
	"time"

	domainchat "agrichat/internal/domain/chat"
)

type chatDocument struct {
	ID              string         `bson:"_id"`
	PosterID        string         `bson:"posterId"`
	PosterName      string         `bson:"posterName"`
	RespondentID    string         `bson:"respondentId"`
	RespondentName  string         `bson:"respondentName"`
	ListingID       string         `bson:"listingId"`
	ListingTitle    string         `bson:"listingTitle"`
	LastMessage     *string        `bson:"lastMessage,omitempty"`
	LastMessageTime *time.Time     `bson:"lastMessageTime,omitempty"`
	UnreadCount     map[string]int `bson:"unreadCount"`
	CreatedAt       time.Time      `bson:"createdAt"`
}

func newChatDocument(c domainchat.Conversation) chatDocument {
	c = c.Clone()
	return chatDocument{
		ID:              c.ID,
		PosterID:        c.PosterID,
		PosterName:      c.PosterName,
		RespondentID:    c.RespondentID,
		RespondentName:  c.RespondentName,
		ListingID:       c.ListingID,
		ListingTitle:    c.ListingTitle,
		LastMessage:     c.LastMessage,
		LastMessageTime: c.LastMessageAt,
		UnreadCount:     c.UnreadCount,
		CreatedAt:       c.CreatedAt,
	}
}

func (d chatDocument) toDomain() domainchat.Conversation {
	c := domainchat.Conversation{
		ID:             d.ID,
		PosterID:       d.PosterID,
		PosterName:     d.PosterName,
		RespondentID:   d.RespondentID,
		RespondentName: d.RespondentName,
		ListingID:      d.ListingID,
		ListingTitle:   d.ListingTitle,
		LastMessage:    d.LastMessage,
		UnreadCount:    make(map[string]int, len(d.UnreadCount)),
		CreatedAt:      d.CreatedAt.UTC(),
	}
	if d.LastMessageTime != nil {
		at := d.LastMessageTime.UTC()
		c.LastMessageAt = &at
	}
	for k, v := range d.UnreadCount {
		c.UnreadCount[k] = v
	}
	return c
}

type messageDocument struct {
	ID         string    `bson:"_id"`
	ChatID     string    `bson:"chatId"`
	SenderID   string    `bson:"senderId"`
	SenderName string    `bson:"senderName"`
	SenderRole string    `bson:"senderRole"`
	Message    string    `bson:"message"`
	Timestamp  time.Time `bson:"timestamp"`
	Read       bool      `bson:"read"`
}

func newMessageDocument(id string, m domainchat.Message, at time.Time) messageDocument {
	return messageDocument{
		ID:         id,
		ChatID:     m.ConversationID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		SenderRole: string(m.SenderRole),
		Message:    m.Body,
		Timestamp:  at,
		Read:       false,
	}
}

func (d messageDocument) toDomain() domainchat.Message {
	return domainchat.Message{
		ID:             d.ID,
		ConversationID: d.ChatID,
		SenderID:       d.SenderID,
		SenderName:     d.SenderName,
		SenderRole:     domainchat.Role(d.SenderRole),
		Body:           d.Message,
		CreatedAt:      d.Timestamp.UTC(),
		Read:           d.Read,
	}
}
