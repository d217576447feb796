package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrNotParticipant       = errors.New("chat: user is not a participant of the conversation")
	ErrSwappedParticipants  = errors.New("chat: poster and respondent arguments are swapped")
	ErrNotListingOwner      = errors.New("chat: poster does not own the listing")
)

// Conversation is the per-listing thread between one poster and one respondent.
// LastMessage and LastMessageAt stay nil until the first message is sent.
type Conversation struct {
	ID             string
	PosterID       string
	PosterName     string
	RespondentID   string
	RespondentName string
	ListingID      string
	ListingTitle   string
	LastMessage    *string
	LastMessageAt  *time.Time
	UnreadCount    map[string]int
	CreatedAt      time.Time
}

// NewConversation builds a fresh record for key with both unread counters at zero.
// CreatedAt is left for the store to assign.
func NewConversation(key Key, posterName, respondentName, listingTitle string) Conversation {
	return Conversation{
		ID:             key.ConversationID(),
		PosterID:       key.PosterID,
		PosterName:     strings.TrimSpace(posterName),
		RespondentID:   key.RespondentID,
		RespondentName: strings.TrimSpace(respondentName),
		ListingID:      key.ListingID,
		ListingTitle:   strings.TrimSpace(listingTitle),
		UnreadCount: map[string]int{
			key.PosterID:     0,
			key.RespondentID: 0,
		},
	}
}

func (c Conversation) Key() Key {
	return Key{PosterID: c.PosterID, RespondentID: c.RespondentID, ListingID: c.ListingID}
}

// Unread returns the unread counter of userID.
func (c Conversation) Unread(userID string) int {
	return c.UnreadCount[userID]
}

// LastActivity is the last message time, or the creation time for silent threads.
func (c Conversation) LastActivity() time.Time {
	if c.LastMessageAt != nil && !c.LastMessageAt.IsZero() {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Conversation) Clone() Conversation {
	out := c
	if c.LastMessage != nil {
		text := *c.LastMessage
		out.LastMessage = &text
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}
	return out
}

// SortConversations orders by last activity, most recent first.
func SortConversations(items []Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		ai, aj := items[i].LastActivity(), items[j].LastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return items[i].ID < items[j].ID
	})
}
