package attendance

import (
	"context"
	"time"

	"uniattend/internal/queue"
)

// Event describes a state change that already happened-before it is published.
type Event struct {
	SessionID string    `json:"session_id"`
	CourseID  string    `json:"course_id"`
	StudentID string    `json:"student_id,omitempty"`
	Method    Method    `json:"method,omitempty"`
	Status    Status    `json:"status,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier receives events after the write they describe succeeded.
type Notifier interface {
	Recorded(ctx context.Context, s Session, rec Record) error
	Closed(ctx context.Context, s Session) error
}

// QueueNotifier publishes events on a queue for the tally worker.
type QueueNotifier struct {
	q queue.Queue
}

// NewQueueNotifier wraps q.
func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Recorded publishes attendance.recorded.
func (n *QueueNotifier) Recorded(ctx context.Context, s Session, rec Record) error {
	return n.publish(ctx, queue.TypeRecorded, Event{
		SessionID: s.ID,
		CourseID:  s.CourseID,
		StudentID: rec.StudentID,
		Method:    rec.Method,
		Status:    rec.Status,
		At:        rec.Timestamp,
	})
}

// Closed publishes session.closed.
func (n *QueueNotifier) Closed(ctx context.Context, s Session) error {
	at := time.Now().UTC()
	if s.ClosedAt != nil {
		at = *s.ClosedAt
	}
	return n.publish(ctx, queue.TypeSessionClosed, Event{SessionID: s.ID, CourseID: s.CourseID, At: at})
}

func (n *QueueNotifier) publish(ctx context.Context, typ string, evt Event) error {
	msg, err := queue.NewMessage(typ, evt)
	if err != nil {
		return err
	}
	return n.q.Publish(ctx, msg)
}

type noopNotifier struct{}

func (noopNotifier) Recorded(context.Context, Session, Record) error { return nil }
func (noopNotifier) Closed(context.Context, Session) error           { return nil }
