package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainchat "agrichat/internal/domain/chat"
)

func conv(id string, created time.Time, last *time.Time) domainchat.Conversation {
	return domainchat.Conversation{ID: id, CreatedAt: created, LastMessageAt: last, UnreadCount: map[string]int{}}
}

func TestInboxMergeWaitsForBothSides(t *testing.T) {
	var emitted [][]domainchat.Conversation
	m := newInboxMerge(func(items []domainchat.Conversation) { emitted = append(emitted, items) })
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	m.update(sidePoster, []domainchat.Conversation{conv("7_12_42", base, nil)})
	assert.Empty(t, emitted)

	m.update(sideRespondent, nil)
	require.Len(t, emitted, 1)
	assert.Len(t, emitted[0], 1)
}

func TestInboxMergeUnionSortedByActivity(t *testing.T) {
	var last []domainchat.Conversation
	m := newInboxMerge(func(items []domainchat.Conversation) { last = items })
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)

	m.update(sidePoster, []domainchat.Conversation{
		conv("7_12_42", base, nil),
		conv("7_13_43", base.Add(time.Minute), nil),
	})
	m.update(sideRespondent, []domainchat.Conversation{
		conv("9_7_5", base.Add(-time.Hour), &later),
	})

	require.Len(t, last, 3)
	assert.Equal(t, "9_7_5", last[0].ID)
	assert.Equal(t, "7_13_43", last[1].ID)
	assert.Equal(t, "7_12_42", last[2].ID)

	// a new poster-side snapshot replaces that side only
	m.update(sidePoster, []domainchat.Conversation{conv("7_12_42", base, nil)})
	require.Len(t, last, 2)
	assert.Equal(t, "9_7_5", last[0].ID)
	assert.Equal(t, "7_12_42", last[1].ID)
}

func TestInboxMergeIgnoresUnknownSide(t *testing.T) {
	called := false
	m := newInboxMerge(func([]domainchat.Conversation) { called = true })
	m.update(5, nil)
	m.update(-1, nil)
	assert.False(t, called)
}
