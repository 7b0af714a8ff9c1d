package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeharbor/codeharbor/internal/sandbox"
)

// Producer publishes lifecycle events. It implements sandbox.Notifier;
// publish failures are logged and dropped so a broker outage never
// blocks session handling.
type Producer struct {
	conn *Connection
}

// NewProducer creates a new queue producer.
func NewProducer(conn *Connection) *Producer {
	return &Producer{conn: conn}
}

// SessionStarted publishes a session creation event.
func (p *Producer) SessionStarted(ctx context.Context, key sandbox.Key, environment string) {
	p.publishSession(ctx, &SessionEvent{
		ID:          uuid.New().String(),
		OwnerID:     key.OwnerID,
		SessionID:   key.SessionID,
		Event:       "started",
		Environment: environment,
		OccurredAt:  time.Now(),
	})
}

// SessionStopped publishes a teardown event. A non-nil syncErr marks
// the session as having potentially unsynced changes.
func (p *Producer) SessionStopped(ctx context.Context, key sandbox.Key, reason string, syncErr error) {
	evt := &SessionEvent{
		ID:         uuid.New().String(),
		OwnerID:    key.OwnerID,
		SessionID:  key.SessionID,
		Event:      reason,
		OccurredAt: time.Now(),
	}
	if syncErr != nil {
		evt.SyncError = syncErr.Error()
	}
	p.publishSession(ctx, evt)
}

// PublishSyncEvent publishes a completed pull or push summary.
func (p *Producer) PublishSyncEvent(ctx context.Context, ownerID, direction string, files, folders, failed int) {
	evt := &SyncEvent{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		Direction:  direction,
		Files:      files,
		Folders:    folders,
		Failed:     failed,
		OccurredAt: time.Now(),
	}
	if err := p.conn.PublishJSON(ctx, SyncQueueName, evt); err != nil {
		slog.Warn("publish sync event failed", "owner", ownerID, "direction", direction, "error", err)
	}
}

func (p *Producer) publishSession(ctx context.Context, evt *SessionEvent) {
	if err := p.conn.PublishJSON(ctx, SessionQueueName, evt); err != nil {
		slog.Warn("publish session event failed",
			"owner", evt.OwnerID,
			"session", evt.SessionID,
			"event", evt.Event,
			"error", err,
		)
		return
	}
	slog.Debug("published session event", "owner", evt.OwnerID, "session", evt.SessionID, "event", evt.Event)
}
