package memory

import (
	"context"
	"sync"

	appoutbox "agrichat/internal/app/outbox"
)

// Outbox keeps published chat events in memory. It stands in for the broker
// when KAFKA_BROKERS is unset and lets tests inspect what was announced.
type Outbox struct {
	mu      sync.Mutex
	records []appoutbox.EventRecord
	limit   int
}

// NewOutbox keeps at most limit records; zero means unbounded.
func NewOutbox(limit int) *Outbox {
	return &Outbox{limit: limit}
}

func (o *Outbox) Publish(ctx context.Context, records ...appoutbox.EventRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, records...)
	if o.limit > 0 && len(o.records) > o.limit {
		o.records = append([]appoutbox.EventRecord(nil), o.records[len(o.records)-o.limit:]...)
	}
	return nil
}

// Records returns a copy of what was published so far.
func (o *Outbox) Records() []appoutbox.EventRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]appoutbox.EventRecord(nil), o.records...)
}

// Names lists the event names in publish order.
func (o *Outbox) Names() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	names := make([]string, 0, len(o.records))
	for _, r := range o.records {
		names = append(names, r.Name)
	}
	return names
}

var _ appoutbox.Publisher = (*Outbox)(nil)
