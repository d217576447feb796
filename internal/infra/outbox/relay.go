package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	appoutbox "agrichat/internal/app/outbox"
)

var ErrRelayNotConfigured = errors.New("outbox: relay missing dependencies")

// Queue is the part of Store the relay drives.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*EventDocument, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, next time.Time, errMsg string) error
}

// Relay moves queued chat events to a broker publisher, one at a time,
// retrying failures on the Backoff schedule.
type Relay struct {
	Queue     Queue
	Publisher appoutbox.Publisher
	Interval  time.Duration
	Backoff   []time.Duration
	ID        string
	Logger    *slog.Logger
	Now       func() time.Time
}

// Run polls until ctx is cancelled. Queue errors are logged and the next tick
// tries again.
func (r *Relay) Run(ctx context.Context) error {
	if r.Queue == nil || r.Publisher == nil {
		return ErrRelayNotConfigured
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.drain(ctx); err != nil && ctx.Err() == nil {
				r.logger().Error("chat outbox unavailable", "relay_id", r.ID, "error", err)
			}
		}
	}
}

// drain relays due events until the queue has none left.
func (r *Relay) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		done, err := r.processOnce(ctx)
		if err != nil || done {
			return err
		}
	}
	return nil
}

func (r *Relay) processOnce(ctx context.Context) (bool, error) {
	doc, err := r.Queue.Claim(ctx, r.ID)
	if err != nil {
		return true, err
	}
	if doc == nil {
		return true, nil
	}
	if err := r.Publisher.Publish(ctx, doc.Record()); err != nil {
		next := r.nextRetry(doc.Attempts)
		r.logger().Warn("chat event relay failed",
			"event_id", doc.ID, "event", doc.Name, "attempts", doc.Attempts+1, "retry_at", next, "error", err)
		return false, r.Queue.MarkFailed(ctx, doc.ID, next, err.Error())
	}
	return false, r.Queue.MarkSent(ctx, doc.ID)
}

func (r *Relay) interval() time.Duration {
	if r.Interval <= 0 {
		return 500 * time.Millisecond
	}
	return r.Interval
}

func (r *Relay) nextRetry(attempts int) time.Time {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if attempts < len(r.Backoff) {
		return now.Add(r.Backoff[attempts])
	}
	if len(r.Backoff) > 0 {
		return now.Add(r.Backoff[len(r.Backoff)-1])
	}
	return now.Add(5 * time.Second)
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
