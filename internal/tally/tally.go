// Package tally keeps running present/late counts per session, fed by the
// events the API publishes after each accepted submission.
package tally

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"uniattend/internal/attendance"
	"uniattend/internal/metrics"
	"uniattend/internal/queue"
)

// ErrUnknownEvent is returned for message types the tally does not handle.
var ErrUnknownEvent = errors.New("unknown event type")

// Counts is the tally of one session.
type Counts struct {
	SessionID string           `json:"session_id"`
	Present   int64            `json:"present"`
	Late      int64            `json:"late"`
	Total     int64            `json:"total"`
	ByMethod  map[string]int64 `json:"by_method"`
	Closed    bool             `json:"closed"`
}

// Tally applies events and serves counts.
type Tally interface {
	Apply(ctx context.Context, msg queue.Message) error
	Get(ctx context.Context, sessionID string) (Counts, error)
}

// Run applies every message from q until ctx is done or the channel closes.
func Run(ctx context.Context, q queue.Queue, t Tally) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for msg := range messages {
		result := "ok"
		if err := t.Apply(ctx, msg); err != nil {
			result = "error"
			log.Printf("tally: apply %s: %v", msg.Type, err)
		}
		metrics.Tallied.WithLabelValues(msg.Type, result).Inc()
	}
	return ctx.Err()
}

func decodeEvent(msg queue.Message) (attendance.Event, error) {
	var evt attendance.Event
	if err := msg.Decode(&evt); err != nil {
		return evt, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	if evt.SessionID == "" {
		return evt, fmt.Errorf("decode %s: missing session id", msg.Type)
	}
	return evt, nil
}

// Redis stores each session's tally in a hash.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed tally. ttl is how long a closed
// session's hash is kept.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Redis{client: client, prefix: "attendance:tally:", ttl: ttl}
}

// Apply updates the hash for the event's session.
func (r *Redis) Apply(ctx context.Context, msg queue.Message) error {
	evt, err := decodeEvent(msg)
	if err != nil {
		return err
	}
	key := r.prefix + evt.SessionID
	switch msg.Type {
	case queue.TypeRecorded:
		pipe := r.client.TxPipeline()
		pipe.HIncrBy(ctx, key, string(evt.Status), 1)
		pipe.HIncrBy(ctx, key, "method:"+string(evt.Method), 1)
		_, err = pipe.Exec(ctx)
	case queue.TypeSessionClosed:
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, key, "closed", 1)
		pipe.Expire(ctx, key, r.ttl)
		_, err = pipe.Exec(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, msg.Type)
	}
	return err
}

// Get reads a session's tally. Unknown sessions read as zero.
func (r *Redis) Get(ctx context.Context, sessionID string) (Counts, error) {
	fields, err := r.client.HGetAll(ctx, r.prefix+sessionID).Result()
	if err != nil {
		return Counts{}, err
	}
	c := Counts{SessionID: sessionID, ByMethod: map[string]int64{}}
	for k, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch {
		case k == string(attendance.StatusPresent):
			c.Present = n
		case k == string(attendance.StatusLate):
			c.Late = n
		case k == "closed":
			c.Closed = n == 1
		case strings.HasPrefix(k, "method:"):
			c.ByMethod[strings.TrimPrefix(k, "method:")] = n
		}
	}
	c.Total = c.Present + c.Late
	return c, nil
}

// Memory is an in-process tally for QUEUE_BACKEND=memory and tests.
type Memory struct {
	mu     sync.Mutex
	counts map[string]*Counts
}

// NewMemory creates an empty tally.
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]*Counts)}
}

// Apply updates the session's counts.
func (m *Memory) Apply(_ context.Context, msg queue.Message) error {
	evt, err := decodeEvent(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[evt.SessionID]
	if !ok {
		c = &Counts{SessionID: evt.SessionID, ByMethod: map[string]int64{}}
		m.counts[evt.SessionID] = c
	}
	switch msg.Type {
	case queue.TypeRecorded:
		switch evt.Status {
		case attendance.StatusPresent:
			c.Present++
		case attendance.StatusLate:
			c.Late++
		}
		c.Total = c.Present + c.Late
		c.ByMethod[string(evt.Method)]++
	case queue.TypeSessionClosed:
		c.Closed = true
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, msg.Type)
	}
	return nil
}

// Get returns a copy of the session's counts.
func (m *Memory) Get(_ context.Context, sessionID string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[sessionID]
	if !ok {
		return Counts{SessionID: sessionID, ByMethod: map[string]int64{}}, nil
	}
	out := *c
	out.ByMethod = make(map[string]int64, len(c.ByMethod))
	for k, v := range c.ByMethod {
		out.ByMethod[k] = v
	}
	return out, nil
}
