package memory

import (
	"context"
	"fmt"
	"sync"

	chatsvc "agrichat/internal/app/services/chat"
	domainchat "agrichat/internal/domain/chat"
	domainlistings "agrichat/internal/domain/listings"
)

// ListingDirectory keeps the listings known to this process, keyed by
// canonical listing id.
type ListingDirectory struct {
	mu    sync.RWMutex
	items map[string]domainlistings.Listing
}

func NewListingDirectory() *ListingDirectory {
	return &ListingDirectory{items: make(map[string]domainlistings.Listing)}
}

// ByID returns a listing or ErrListingNotFound.
func (d *ListingDirectory) ByID(ctx context.Context, id any) (domainlistings.Listing, error) {
	key, err := domainchat.CanonicalListingID(id)
	if err != nil {
		return domainlistings.Listing{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.items[key]
	if !ok {
		return domainlistings.Listing{}, fmt.Errorf("%w: %s", domainlistings.ErrListingNotFound, key)
	}
	return l, nil
}

func (d *ListingDirectory) Save(ctx context.Context, l domainlistings.Listing) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[l.ID] = l
	return nil
}

func (d *ListingDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

// ListingOwner resolves the poster of a listing for the chat swap guard.
func (d *ListingDirectory) ListingOwner(ctx context.Context, listingID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	l, ok := d.items[listingID]
	if !ok {
		return "", chatsvc.ErrUnknownListing
	}
	return l.PosterID, nil
}

var _ chatsvc.RoleResolver = (*ListingDirectory)(nil)
