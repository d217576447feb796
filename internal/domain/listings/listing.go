package listings

import (
	"errors"
	"strings"

	"agrichat/internal/domain/chat"
)

var (
	ErrListingNotFound = errors.New("listings: listing not found")
	ErrPosterRequired  = errors.New("listings: poster id is required")
)

// Listing is the slice of a marketplace job posting the chat layer needs:
// who posted it and what it is called.
type Listing struct {
	ID       string
	PosterID string
	Title    string
}

// NewListing canonicalizes the id the same way conversation ids do, so that
// lookups by conversation slot always hit.
func NewListing(id any, posterID, title string) (Listing, error) {
	canonical, err := chat.CanonicalListingID(id)
	if err != nil {
		return Listing{}, err
	}
	poster := strings.TrimSpace(posterID)
	if poster == "" {
		return Listing{}, ErrPosterRequired
	}
	poster, err = chat.CanonicalParticipantID(poster)
	if err != nil {
		return Listing{}, err
	}
	return Listing{ID: canonical, PosterID: poster, Title: strings.TrimSpace(title)}, nil
}
