package chat

import (
	"sync"

	domainchat "agrichat/internal/domain/chat"
)

const (
	sidePoster = iota
	sideRespondent
	sideCount
)

// inboxMerge joins the poster-side and respondent-side chat queries into one
// view. It keeps the latest snapshot of each side and emits the union once
// both sides have reported. Emission happens under the lock, so the consumer
// sees merged views one at a time and in order.
type inboxMerge struct {
	mu    sync.Mutex
	sides [sideCount]map[string]domainchat.Conversation
	ready [sideCount]bool
	emit  func([]domainchat.Conversation)
}

func newInboxMerge(emit func([]domainchat.Conversation)) *inboxMerge {
	return &inboxMerge{emit: emit}
}

func (m *inboxMerge) update(side int, items []domainchat.Conversation) {
	if side < 0 || side >= sideCount {
		return
	}
	cache := make(map[string]domainchat.Conversation, len(items))
	for _, c := range items {
		cache[c.ID] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sides[side] = cache
	m.ready[side] = true
	for _, ok := range m.ready {
		if !ok {
			return
		}
	}
	m.emit(m.mergedLocked())
}

func (m *inboxMerge) mergedLocked() []domainchat.Conversation {
	byID := make(map[string]domainchat.Conversation)
	for _, cache := range m.sides {
		for id, c := range cache {
			if prev, ok := byID[id]; ok && !c.LastActivity().After(prev.LastActivity()) {
				continue
			}
			byID[id] = c
		}
	}
	out := make([]domainchat.Conversation, 0, len(byID))
	for _, c := range byID {
		out = append(out, c.Clone())
	}
	domainchat.SortConversations(out)
	return out
}
