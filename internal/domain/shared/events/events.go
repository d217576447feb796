package events

import "time"

// DomainEvent is anything the chat core announces after a successful commit.
type DomainEvent interface {
	EventName() string
	AggregateID() string
	OccurredAt() time.Time
}

// Recorder buffers events raised while an operation runs. Events are only
// drained once the store confirmed the commit, so a failed batch never
// produces a notification.
type Recorder struct {
	pending []DomainEvent
}

func (r *Recorder) Record(event DomainEvent) {
	if event == nil {
		return
	}
	r.pending = append(r.pending, event)
}

// Drain returns the buffered events and empties the recorder.
func (r *Recorder) Drain() []DomainEvent {
	out := r.pending
	r.pending = nil
	return out
}

func (r *Recorder) Len() int {
	return len(r.pending)
}
