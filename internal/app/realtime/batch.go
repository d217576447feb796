package realtime

import (
	"time"

	"agrichat/internal/domain/chat"
)

type OpKind int

const (
	// OpInsertMessage appends a message; the store assigns id and timestamp.
	OpInsertMessage OpKind = iota + 1
	// OpUpdatePreview sets lastMessage/lastMessageTime and bumps one unread counter.
	OpUpdatePreview
	// OpMarkRead zeroes the reader's counter and flips every unread message
	// the reader did not author. The selection happens inside the commit.
	OpMarkRead
)

func (k OpKind) String() string {
	switch k {
	case OpInsertMessage:
		return "insert_message"
	case OpUpdatePreview:
		return "update_preview"
	case OpMarkRead:
		return "mark_read"
	default:
		return "unknown"
	}
}

type Op struct {
	Kind           OpKind
	ConversationID string
	Message        chat.Message
	Preview        string
	IncrementFor   string
	Reader         string
}

// Batch collects writes that must land together.
type Batch struct {
	ops []Op
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) InsertMessage(m chat.Message) *Batch {
	m.Read = false
	b.ops = append(b.ops, Op{Kind: OpInsertMessage, ConversationID: m.ConversationID, Message: m})
	return b
}

func (b *Batch) UpdatePreview(conversationID, preview, incrementFor string) *Batch {
	b.ops = append(b.ops, Op{Kind: OpUpdatePreview, ConversationID: conversationID, Preview: preview, IncrementFor: incrementFor})
	return b
}

func (b *Batch) MarkRead(conversationID, reader string) *Batch {
	b.ops = append(b.ops, Op{Kind: OpMarkRead, ConversationID: conversationID, Reader: reader})
	return b
}

func (b *Batch) Ops() []Op {
	if b == nil {
		return nil
	}
	return append([]Op(nil), b.ops...)
}

func (b *Batch) Empty() bool {
	return b == nil || len(b.ops) == 0
}

// CommitResult reports what the store assigned while applying a batch.
type CommitResult struct {
	CommittedAt  time.Time
	MessageIDs   []string
	MessagesRead int
}
