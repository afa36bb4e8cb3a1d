package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence the session protocol needs.
//
// GetSession returns ErrNotFound for unknown ids. FindRecord returns nil, nil
// when the student has no record for the session. InsertRecord returns
// ErrDuplicateSubmission when a record for the pair already exists.
type Store interface {
	GetSession(ctx context.Context, id string) (Session, error)
	InsertSession(ctx context.Context, s Session) error
	UpdateSessionClosed(ctx context.Context, id string, closedAt time.Time) error
	FindRecord(ctx context.Context, sessionID, studentID string) (*Record, error)
	InsertRecord(ctx context.Context, rec Record) error

	ListCourseSessions(ctx context.Context, courseID string) ([]Session, error)
	ListCourseRecords(ctx context.Context, courseID string) ([]CourseRecord, error)
	ListStudentRecords(ctx context.Context, studentID, courseID string) ([]CourseRecord, error)
}

// MemoryStore keeps sessions and records in process memory. Used for local
// runs with STORE_BACKEND=memory and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	records  map[string]Record // keyed by sessionID + "/" + studentID
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		records:  make(map[string]Record),
	}
}

func recordKey(sessionID, studentID string) string { return sessionID + "/" + studentID }

func (m *MemoryStore) GetSession(_ context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) InsertSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) UpdateSessionClosed(_ context.Context, id string, closedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Active = false
	s.ClosedAt = &closedAt
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) FindRecord(_ context.Context, sessionID, studentID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordKey(sessionID, studentID)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) InsertRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey(rec.SessionID, rec.StudentID)
	if _, ok := m.records[key]; ok {
		return ErrDuplicateSubmission
	}
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) ListCourseSessions(_ context.Context, courseID string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, s := range m.sessions {
		if s.CourseID == courseID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListCourseRecords(_ context.Context, courseID string) ([]CourseRecord, error) {
	return m.joined(func(s Session, _ Record) bool { return s.CourseID == courseID }), nil
}

func (m *MemoryStore) ListStudentRecords(_ context.Context, studentID, courseID string) ([]CourseRecord, error) {
	return m.joined(func(s Session, r Record) bool {
		return r.StudentID == studentID && (courseID == "" || s.CourseID == courseID)
	}), nil
}

func (m *MemoryStore) joined(keep func(Session, Record) bool) []CourseRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []CourseRecord
	for _, r := range m.records {
		s, ok := m.sessions[r.SessionID]
		if !ok || !keep(s, r) {
			continue
		}
		out = append(out, CourseRecord{Record: r, Session: summarize(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Session.CreatedAt.Equal(out[j].Session.CreatedAt) {
			return out[i].Session.CreatedAt.After(out[j].Session.CreatedAt)
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
