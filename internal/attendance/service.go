package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"uniattend/internal/keylock"
	"uniattend/internal/metrics"
)

// DefaultLateAfter is the lateness threshold used when neither the service
// nor the session sets one.
const DefaultLateAfter = 10 * time.Minute

// MaxSessionSeconds caps both a session's duration and its late threshold.
const MaxSessionSeconds int64 = 24 * 60 * 60

// Claim is what a verifier gets to decide on.
type Claim struct {
	Session   Session
	StudentID string
	Proof     json.RawMessage
	Now       time.Time
}

// Decision is a verifier's answer. Data is stored on the record for audit.
type Decision struct {
	Accepted bool
	Reason   string
	Data     map[string]any
}

// Accept builds an accepting decision.
func Accept(data map[string]any) Decision {
	return Decision{Accepted: true, Data: data}
}

// Reject builds a rejecting decision with a human-readable reason.
func Reject(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Verifier decides whether a proof of presence is acceptable for one method.
// A malformed proof is reported as an error wrapping ErrInvalidInput; any
// other error is treated as a collaborator failure.
type Verifier interface {
	Method() Method
	Verify(ctx context.Context, c Claim) (Decision, error)
}

// Options tunes a Service. Zero values get defaults.
type Options struct {
	LateAfter time.Duration
	Geofence  Geofence
	Locker    keylock.Locker
	Notifier  Notifier
	Now       func() time.Time
}

// Service owns the session lifecycle and the submission protocol.
type Service struct {
	store     Store
	verifiers map[Method]Verifier
	pairs     keylock.Locker
	sessions  *keylock.RWMutex
	notifier  Notifier
	now       func() time.Time
	lateAfter time.Duration
	geofence  Geofence
}

// NewService creates a service backed by a store and the given verifiers.
func NewService(store Store, verifiers []Verifier, opts Options) *Service {
	s := &Service{
		store:     store,
		verifiers: make(map[Method]Verifier, len(verifiers)),
		pairs:     opts.Locker,
		sessions:  keylock.NewRWMutex(),
		notifier:  opts.Notifier,
		now:       opts.Now,
		lateAfter: opts.LateAfter,
		geofence:  opts.Geofence,
	}
	for _, v := range verifiers {
		s.verifiers[v.Method()] = v
	}
	if s.pairs == nil {
		s.pairs = keylock.NewMutex()
	}
	if s.notifier == nil {
		s.notifier = noopNotifier{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.lateAfter <= 0 {
		s.lateAfter = DefaultLateAfter
	}
	if s.geofence.RadiusMeters <= 0 {
		s.geofence.RadiusMeters = 100
	}
	return s
}

func (s *Service) clock() time.Time {
	// Postgres keeps microseconds; truncating keeps stored and returned times equal.
	return s.now().UTC().Truncate(time.Microsecond)
}

// CreateParams describes a new session. Authorized is the caller's
// lecturer/admin permission for the course, resolved by the caller.
type CreateParams struct {
	CourseID         string
	CourseName       string
	DurationSeconds  int64
	LateAfterSeconds *int64
	Geofence         *Geofence
	Authorized       bool
}

// Create opens a new session expiring DurationSeconds from now.
func (s *Service) Create(ctx context.Context, p CreateParams) (Session, error) {
	if !p.Authorized {
		return Session{}, ErrForbidden
	}
	if strings.TrimSpace(p.CourseID) == "" {
		return Session{}, InvalidInput("course id required")
	}
	if p.DurationSeconds <= 0 {
		return Session{}, InvalidInput("duration must be positive, got %d seconds", p.DurationSeconds)
	}
	if p.DurationSeconds > MaxSessionSeconds {
		return Session{}, InvalidInput("duration must be at most %d seconds, got %d", MaxSessionSeconds, p.DurationSeconds)
	}
	lateAfter := int64(s.lateAfter / time.Second)
	if p.LateAfterSeconds != nil {
		if *p.LateAfterSeconds < 0 {
			return Session{}, InvalidInput("late threshold must not be negative")
		}
		if *p.LateAfterSeconds > MaxSessionSeconds {
			return Session{}, InvalidInput("late threshold must be at most %d seconds", MaxSessionSeconds)
		}
		lateAfter = *p.LateAfterSeconds
	}
	fence := s.geofence
	if p.Geofence != nil {
		if err := validateGeofence(*p.Geofence); err != nil {
			return Session{}, err
		}
		fence = *p.Geofence
	}

	created := s.clock()
	sess := Session{
		ID:               uuid.NewString(),
		CourseID:         p.CourseID,
		CourseName:       p.CourseName,
		CreatedAt:        created,
		ExpiryTime:       created.Add(time.Duration(p.DurationSeconds) * time.Second),
		DurationSeconds:  p.DurationSeconds,
		LateAfterSeconds: lateAfter,
		Geofence:         fence,
		Active:           true,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return Session{}, err
	}
	metrics.SessionsCreated.Inc()
	return sess, nil
}

func validateGeofence(g Geofence) error {
	switch {
	case math.IsNaN(g.Lat) || g.Lat < -90 || g.Lat > 90:
		return InvalidInput("geofence latitude out of range")
	case math.IsNaN(g.Lng) || g.Lng < -180 || g.Lng > 180:
		return InvalidInput("geofence longitude out of range")
	case !(g.RadiusMeters > 0):
		return InvalidInput("geofence radius must be positive")
	}
	return nil
}

// Close deactivates a session. Closing a closed session is a no-op that
// returns the session as first closed; changed reports whether this call
// performed the transition.
func (s *Service) Close(ctx context.Context, sessionID string, authorized bool) (sess Session, changed bool, err error) {
	if !authorized {
		return Session{}, false, ErrForbidden
	}
	unlock, err := s.sessions.Lock(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	defer unlock()

	sess, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, false, err
	}
	if !sess.Active {
		return sess, false, nil
	}
	now := s.clock()
	if err := s.store.UpdateSessionClosed(ctx, sessionID, now); err != nil {
		return Session{}, false, err
	}
	sess.Active = false
	sess.ClosedAt = &now
	metrics.SessionsClosed.Inc()

	pubCtx, cancel := detach(ctx)
	defer cancel()
	if err := s.notifier.Closed(pubCtx, sess); err != nil {
		log.Printf("attendance: publish session.closed %s: %v", sess.ID, err)
	}
	return sess, true, nil
}

// Session returns one session.
func (s *Service) Session(ctx context.Context, id string) (Session, error) {
	return s.store.GetSession(ctx, id)
}

// CourseSessions lists a course's sessions, newest first.
func (s *Service) CourseSessions(ctx context.Context, courseID string) ([]Session, error) {
	return s.store.ListCourseSessions(ctx, courseID)
}

// CourseRecords lists every record of a course with its session metadata.
func (s *Service) CourseRecords(ctx context.Context, courseID string) ([]CourseRecord, error) {
	return s.store.ListCourseRecords(ctx, courseID)
}

// StudentRecords lists one student's records, optionally for a single course.
func (s *Service) StudentRecords(ctx context.Context, studentID, courseID string) ([]CourseRecord, error) {
	return s.store.ListStudentRecords(ctx, studentID, courseID)
}

// Now exposes the service clock so collaborators agree on time.
func (s *Service) Now() time.Time { return s.clock() }

// Submit runs the ordered checks for one submission and persists the record
// when all of them pass:
//
//  1. the session exists
//  2. it is active
//  3. it has not expired
//  4. the student has no record for it yet
//  5. the method's verifier accepts the proof
//
// The checks and the insert run under a per-(session, student) lock. The
// verifier runs outside the session lock; the session state is re-read
// under the session read lock right before the insert so Close cannot
// interleave with it.
func (s *Service) Submit(ctx context.Context, sub Submission) (rec Record, err error) {
	defer func() {
		method := string(sub.Method)
		if !sub.Method.Valid() {
			method = "unknown"
		}
		metrics.Submissions.WithLabelValues(method, Outcome(err)).Inc()
	}()

	if strings.TrimSpace(sub.SessionID) == "" || strings.TrimSpace(sub.StudentID) == "" {
		return Record{}, InvalidInput("session and student required")
	}

	unlock, err := s.pairs.Lock(ctx, sub.SessionID+":"+sub.StudentID)
	if err != nil {
		return Record{}, fmt.Errorf("acquire submission lock: %w", err)
	}
	defer unlock()

	sess, err := s.store.GetSession(ctx, sub.SessionID)
	if err != nil {
		return Record{}, err
	}
	now := s.clock()
	switch sess.State(now) {
	case StateClosed:
		return Record{}, ErrSessionClosed
	case StateExpired:
		return Record{}, ErrSessionExpired
	}

	existing, err := s.store.FindRecord(ctx, sess.ID, sub.StudentID)
	if err != nil {
		return Record{}, err
	}
	if existing != nil {
		return Record{}, ErrDuplicateSubmission
	}

	decision, err := s.verify(ctx, sub, sess, now)
	if err != nil {
		return Record{}, err
	}
	if !decision.Accepted {
		return Record{}, &RejectionError{Method: sub.Method, Reason: decision.Reason}
	}

	rec = Record{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StudentID: sub.StudentID,
		Method:    sub.Method,
		Status:    sess.classify(now),
		Data:      decision.Data,
		Timestamp: now,
	}
	if err := s.insert(ctx, rec, now); err != nil {
		return Record{}, err
	}

	pubCtx, cancel := detach(ctx)
	defer cancel()
	if err := s.notifier.Recorded(pubCtx, sess, rec); err != nil {
		log.Printf("attendance: publish attendance.recorded %s: %v", rec.ID, err)
	}
	return rec, nil
}

// insert persists rec unless the session was closed while the proof was
// being verified.
func (s *Service) insert(ctx context.Context, rec Record, now time.Time) error {
	runlock, err := s.sessions.RLock(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	defer runlock()

	current, err := s.store.GetSession(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	if current.State(now) == StateClosed {
		return ErrSessionClosed
	}
	return s.store.InsertRecord(ctx, rec)
}

func (s *Service) verify(ctx context.Context, sub Submission, sess Session, now time.Time) (Decision, error) {
	v, ok := s.verifiers[sub.Method]
	if !ok {
		return Decision{}, InvalidInput("unsupported verification method %q", sub.Method)
	}
	start := time.Now()
	defer func() {
		metrics.Verification.WithLabelValues(string(sub.Method)).Observe(time.Since(start).Seconds())
	}()
	return v.Verify(ctx, Claim{Session: sess, StudentID: sub.StudentID, Proof: sub.Proof, Now: now})
}

// detach keeps event publishing alive when the client has gone away; the
// write it describes is already durable.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
