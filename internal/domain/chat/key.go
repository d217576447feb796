package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Separator joins the poster, respondent and listing slots of a conversation id.
const Separator = "_"

var (
	ErrInvalidParticipantID = errors.New("chat: participant id must be non-empty and must not contain '_', '.' or a leading '$'")
	ErrInvalidListingID     = errors.New("chat: listing id must be a non-negative integer or a non-empty token without '_'")
	ErrSameParticipant      = errors.New("chat: poster and respondent must be different users")
	ErrInvalidConversation  = errors.New("chat: malformed conversation id")
)

var numericListing = regexp.MustCompile(`^\+?([0-9]+)(\.0+)?$`)

// Key identifies one conversation: one poster, one respondent, one listing.
// The slot order is significant. Swapping poster and respondent yields a
// different conversation.
type Key struct {
	PosterID     string
	RespondentID string
	ListingID    string
}

// NewKey validates the participants and canonicalizes the listing id.
func NewKey(posterID, respondentID string, listingID any) (Key, error) {
	poster, err := CanonicalParticipantID(posterID)
	if err != nil {
		return Key{}, fmt.Errorf("poster: %w", err)
	}
	respondent, err := CanonicalParticipantID(respondentID)
	if err != nil {
		return Key{}, fmt.Errorf("respondent: %w", err)
	}
	if poster == respondent {
		return Key{}, ErrSameParticipant
	}
	listing, err := CanonicalListingID(listingID)
	if err != nil {
		return Key{}, err
	}
	return Key{PosterID: poster, RespondentID: respondent, ListingID: listing}, nil
}

// ConversationID renders the key as poster_respondent_listing.
func (k Key) ConversationID() string {
	return k.PosterID + Separator + k.RespondentID + Separator + k.ListingID
}

func (k Key) String() string {
	return k.ConversationID()
}

// ParseConversationID splits a conversation id back into its slots.
func ParseConversationID(id string) (Key, error) {
	parts := strings.Split(strings.TrimSpace(id), Separator)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidConversation, id)
	}
	key, err := NewKey(parts[0], parts[1], parts[2])
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidConversation, err)
	}
	if key.ConversationID() != strings.TrimSpace(id) {
		return Key{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidConversation, id)
	}
	return key, nil
}

// Participant returns the id occupying the slot of role.
func (k Key) Participant(role Role) (string, error) {
	switch role {
	case RolePoster:
		return k.PosterID, nil
	case RoleRespondent:
		return k.RespondentID, nil
	default:
		return "", ErrInvalidRole
	}
}

// Receiver returns the participant on the other side of role.
func (k Key) Receiver(senderRole Role) (string, error) {
	switch senderRole {
	case RolePoster:
		return k.RespondentID, nil
	case RoleRespondent:
		return k.PosterID, nil
	default:
		return "", ErrInvalidRole
	}
}

// Has reports whether userID is one of the two participants.
func (k Key) Has(userID string) bool {
	userID = strings.TrimSpace(userID)
	return userID != "" && (userID == k.PosterID || userID == k.RespondentID)
}

// CanonicalListingID normalizes listing ids arriving as numbers or strings so
// that 42, 42.0, "42" and "042" all map to "42".
func CanonicalListingID(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", ErrInvalidListingID
	case string:
		return canonicalListingString(id)
	case json.Number:
		if numericListing.MatchString(id.String()) {
			return canonicalListingString(id.String())
		}
		f, err := id.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidListingID, id.String())
		}
		return floatListing(f)
	case int:
		return signedListing(int64(id))
	case int8:
		return signedListing(int64(id))
	case int16:
		return signedListing(int64(id))
	case int32:
		return signedListing(int64(id))
	case int64:
		return signedListing(id)
	case uint:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(id), 10), nil
	case uint64:
		return strconv.FormatUint(id, 10), nil
	case float32:
		return floatListing(float64(id))
	case float64:
		return floatListing(id)
	case fmt.Stringer:
		return canonicalListingString(id.String())
	default:
		return "", fmt.Errorf("%w: unsupported type %T", ErrInvalidListingID, v)
	}
}

func signedListing(v int64) (string, error) {
	if v < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidListingID, v)
	}
	return strconv.FormatInt(v, 10), nil
}

func floatListing(v float64) (string, error) {
	// 2^53 is the largest integer a float64 holds exactly.
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) || v < 0 || v > 1<<53 {
		return "", fmt.Errorf("%w: %v", ErrInvalidListingID, v)
	}
	return strconv.FormatInt(int64(v), 10), nil
}

func canonicalListingString(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.Contains(s, Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidListingID, raw)
	}
	if m := numericListing.FindStringSubmatch(s); m != nil {
		digits := strings.TrimLeft(m[1], "0")
		if digits == "" {
			digits = "0"
		}
		return digits, nil
	}
	return s, nil
}

// CanonicalParticipantID trims raw and rejects ids that would break the
// conversation id or a document field path.
func CanonicalParticipantID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" || strings.Contains(id, Separator) || strings.Contains(id, ".") || strings.HasPrefix(id, "$") {
		return "", fmt.Errorf("%w: %q", ErrInvalidParticipantID, raw)
	}
	return id, nil
}
