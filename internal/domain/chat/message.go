package chat

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBodyRunes bounds a single message body.
const MaxBodyRunes = 4000

var (
	ErrInvalidRole    = errors.New("chat: sender role must be poster or respondent")
	ErrEmptyBody      = errors.New("chat: message text is required")
	ErrBodyTooLong    = fmt.Errorf("chat: message text exceeds %d characters", MaxBodyRunes)
	ErrSenderRequired = errors.New("chat: sender id is required")
	ErrSenderMismatch = errors.New("chat: sender does not occupy the slot of its role")
)

// Role is the side of the conversation a participant speaks for.
type Role string

const (
	RolePoster     Role = "poster"
	RoleRespondent Role = "respondent"
)

// ParseRole accepts the canonical names and the marketplace aliases
// (farmer for poster, labour/laborer for respondent).
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "poster", "farmer":
		return RolePoster, nil
	case "respondent", "labour", "laborer", "labourer":
		return RoleRespondent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
	}
}

func (r Role) Valid() bool {
	return r == RolePoster || r == RoleRespondent
}

// Message is an immutable utterance. Only Read ever changes, and only to true.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderRole     Role
	Body           string
	CreatedAt      time.Time
	Read           bool
}

// NormalizeBody trims the text and enforces the length bounds.
func NormalizeBody(body string) (string, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(text) > MaxBodyRunes {
		return "", ErrBodyTooLong
	}
	return text, nil
}

// SortMessages orders chronologically, oldest first. Ties fall back to the id
// so that equal timestamps still render in a stable order.
func SortMessages(items []Message) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
